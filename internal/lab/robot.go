// Package lab 是 OT-2 机器人协议的驱动桩。
//
// 每个协议都是短小的阻塞调用：记录日志、休眠、返回。
// 机器人名称通过环境上下文 robot 注入，运行计数保存在持久状态 robot_state 中。
package lab

import (
	"sync"
	"time"
)

// 环境上下文与持久状态的注册名。
const (
	ContextRobot = "robot"
	ContextAgent = "agent"
	StateRobot   = "robot_state"
)

// Robot 描述被驱动的机器人。
type Robot struct {
	Name     string
	Simulate bool
}

// RobotState 记录机器人的运行情况，在多次分配之间保留。
type RobotState struct {
	mu       sync.Mutex
	busy     int
	last     string
	runs     int
	lastDone time.Time
}

// NewRobotState 创建空的运行状态。
func NewRobotState() *RobotState {
	return &RobotState{}
}

// begin 标记协议开始，返回结束时调用的函数。
func (s *RobotState) begin(protocol string) func() {
	s.mu.Lock()
	s.busy++
	s.last = protocol
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.busy--
		s.runs++
		s.lastDone = time.Now()
	}
}

// RobotSnapshot 是 RobotState 的只读副本。
type RobotSnapshot struct {
	Busy     bool
	Last     string
	Runs     int
	LastDone time.Time
}

// Snapshot 返回当前状态。
func (s *RobotState) Snapshot() RobotSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return RobotSnapshot{
		Busy:     s.busy > 0,
		Last:     s.last,
		Runs:     s.runs,
		LastDone: s.lastDone,
	}
}
