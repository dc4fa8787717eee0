package models

import "encoding/json"

// StatusFailed 订阅实例执行失败状态
const StatusFailed = "FAILED"

// FromSystemMonitor 默认需要清理卸载残留的订阅来源
const FromSystemMonitor = "bkmonitorv3"

// KeyNeedCleanSubscriptionAppCode 全局配置：需要清理的订阅来源 app_code 列表
const KeyNeedCleanSubscriptionAppCode = "NEED_CLEAN_SUBSCRIPTION_APP_CODE"

// UpdateRequest 订阅更新请求（同一订阅在队列中只保留最后一次写入）
type UpdateRequest struct {
	SubscriptionID int64           `json:"subscription_id"`
	Scope          json.RawMessage `json:"scope,omitempty"`
	Steps          json.RawMessage `json:"steps,omitempty"`
	OperateInfo    json.RawMessage `json:"operate_info,omitempty"`
	BkBizScope     []int64         `json:"bk_biz_scope,omitempty"`
	RunImmediately bool            `json:"run_immediately"`
}

// RunRequest 订阅执行请求（按入队顺序执行，不去重）
type RunRequest struct {
	SubscriptionID int64             `json:"subscription_id"`
	Scope          json.RawMessage   `json:"scope"`
	Actions        map[string]string `json:"actions"`
}

// UpdateResult 订阅更新结果
type UpdateResult struct {
	SubscriptionID int64  `json:"subscription_id"`
	UpdateResult   bool   `json:"update_result"`
	TaskID         int64  `json:"task_id,omitempty"`
	Error          string `json:"error,omitempty"`
}

// RunResult 订阅执行结果
type RunResult struct {
	SubscriptionID int64  `json:"subscription_id"`
	RunResult      bool   `json:"run_result"`
	TaskID         int64  `json:"task_id,omitempty"`
	Error          string `json:"error,omitempty"`
}
