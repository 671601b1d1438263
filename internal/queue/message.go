package queue

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidMessage 消息无法解析或缺少必填字段
var ErrInvalidMessage = errors.New("invalid rebuild message")

// ErrRequeue 处理函数返回该错误时消息重新入队
var ErrRequeue = errors.New("requeue message")

// RebuildMessage 异步重建任务
type RebuildMessage struct {
	RunID    string `json:"run_id"`
	APKName  string `json:"apk_name"`
	APKPath  string `json:"apk_path"`
	PatchSet string `json:"patch_set,omitempty"`
	Scheme   string `json:"scheme,omitempty"`
}

// Validate 检查必填字段
func (m *RebuildMessage) Validate() error {
	if m.RunID == "" {
		return fmt.Errorf("%w: run_id is empty", ErrInvalidMessage)
	}
	if m.APKPath == "" {
		return fmt.Errorf("%w: apk_path is empty", ErrInvalidMessage)
	}
	return nil
}

func decodeMessage(body []byte) (*RebuildMessage, error) {
	var msg RebuildMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}
