// Package agent 实现智能体的规划执行循环：
// 反复调用规划器决定下一步动作，执行工具并把结果写回对话，
// 直到产出最终回答或达到步数上限。
package agent
