package vary

import (
	"net"
	"regexp"

	log "github.com/sirupsen/logrus"
)

var speedBotUA = regexp.MustCompile(`(?i)Page Speed|Lighthouse|GTmetrix|Google|Pingdom|bot`)

// speedBotIPs are page speed test services that must always see the guest variant
var speedBotIPs = map[string]struct{}{}

func init() {
	for _, ip := range []string{
		"208.70.247.157", "172.255.48.130", "172.255.48.131", "172.255.48.132",
		"172.255.48.133", "172.255.48.134", "172.255.48.135", "172.255.48.136",
		"172.255.48.137", "172.255.48.138", "172.255.48.139", "172.255.48.140",
		"172.255.48.141", "172.255.48.142", "172.255.48.143", "172.255.48.144",
		"172.255.48.145", "172.255.48.146", "172.255.48.147", "52.229.122.240",
		"104.214.72.101", "13.66.7.11", "13.85.24.83", "13.85.24.90",
		"13.85.82.26", "40.74.242.253", "40.74.243.13", "40.74.243.176",
		"104.214.48.247", "157.55.189.189", "104.214.110.135", "70.37.83.240",
		"65.52.36.250", "13.78.216.56", "52.162.212.163", "23.96.34.105",
		"65.52.113.236", "172.255.61.34", "172.255.61.35", "172.255.61.36",
		"172.255.61.37", "172.255.61.38", "172.255.61.39", "172.255.61.40",
		"104.41.2.19", "191.235.98.164", "191.235.99.221", "191.232.194.51",
		"52.237.235.185", "52.237.250.73", "52.237.236.145", "104.211.143.8",
		"104.211.165.53", "52.172.14.87", "40.83.89.214", "52.175.57.81",
		"20.188.63.151", "20.52.36.49", "52.246.165.153", "51.144.102.233",
		"13.76.97.224", "102.133.169.66", "52.231.199.170", "13.53.162.7",
		"40.123.218.94",
	} {
		speedBotIPs[ip] = struct{}{}
	}
}

// IsGuest reports whether the request is served the shared guest variant
// Only first time visitors qualify, anyone already carrying a vary cookie or
// doing an admin, background or vary update request does not
func (r *Resolver) IsGuest(req *Request) bool {
	if !r.c.GuestMode {
		return false
	}
	if req.Cookie(r.varyName) != "" {
		return false
	}
	if req.Action || req.Ajax || req.Cron || req.GuestUpdate {
		return false
	}
	log.Debug("Guest mode")

	return true
}

// AlwaysGuest reports whether the visitor is a page speed tester that is
// never moved off the guest variant
func AlwaysGuest(userAgent, remoteIP string) bool {
	if userAgent == "" {
		return false
	}
	if speedBotUA.MatchString(userAgent) {
		return true
	}
	if host, _, err := net.SplitHostPort(remoteIP); err == nil {
		remoteIP = host
	}
	_, ok := speedBotIPs[remoteIP]
	return ok
}
