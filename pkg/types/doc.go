// Package types 定义 Agent 与 Orchestrator 之间的线协议类型，
// 以及 Agent 状态快照等共享数据结构。
package types
