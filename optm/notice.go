package optm

import (
	"sync"
	"time"
)

const noticeLimit = 50

// Notice represents an administrative message
type Notice struct {
	Level   string    `json:"level"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// NewBoard returns an empty notice board
func NewBoard() *Board {
	return &Board{
		m: &sync.Mutex{},
	}
}

// Board collects administrative notices until they are read
type Board struct {
	notices []Notice
	m       *sync.Mutex
}

// Error posts an error notice
func (b *Board) Error(msg string) {
	b.add("error", msg)
}

// Succeed posts a success notice
func (b *Board) Succeed(msg string) {
	b.add("success", msg)
}

func (b *Board) add(level, msg string) {
	b.m.Lock()
	defer b.m.Unlock()

	b.notices = append(b.notices, Notice{Level: level, Message: msg, Time: time.Now()})
	if over := len(b.notices) - noticeLimit; over > 0 {
		b.notices = append([]Notice(nil), b.notices[over:]...)
	}
}

// Drain returns the pending notices and empties the board
func (b *Board) Drain() []Notice {
	b.m.Lock()
	defer b.m.Unlock()

	out := b.notices
	b.notices = nil
	return out
}
