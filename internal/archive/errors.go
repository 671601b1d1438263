package archive

import "errors"

var (
	// ErrMalformedArchive 中央目录截断或无效
	ErrMalformedArchive = errors.New("malformed archive")
	// ErrEntryNotFound 条目不存在
	ErrEntryNotFound = errors.New("entry not found")
	// ErrDuplicateEntry 条目路径已存在
	ErrDuplicateEntry = errors.New("duplicate entry")
)
