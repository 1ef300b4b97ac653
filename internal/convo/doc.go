// Package convo 负责保存智能体任务的对话事件流。
// 每个任务的提示词、规划、工具调用与最终回答都会按顺序追加，
// 供 API 查询、转录导出与事件流推送使用。
package convo
