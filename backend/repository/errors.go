package repository

import "errors"

// 键值存储层错误，由各存储实现返回
var (
	ErrNotFound  = errors.New("key not found")
	ErrInvalidID = errors.New("empty or malformed key")
)

// 实体层错误，由 kv 仓储在存储错误之上返回
var (
	// ErrAlreadyExists 创建时 GUID 已被占用
	ErrAlreadyExists = errors.New("profile guid already in use")

	// ErrInvalidData 记录无法编解码或字段缺失
	ErrInvalidData = errors.New("invalid profile data")

	ErrProfileNotFound = errors.New("profile not found")
)

// 选择相关错误
var (
	ErrNoSelection     = errors.New("no primary profile selected")
	ErrUnknownCategory = errors.New("unknown category tag")
)
