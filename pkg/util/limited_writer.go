package util

import "io"

// LimitedWriter 限制写入字节数, 超出后静默丢弃 (防止上游错误响应体撑爆内存)。
//
// 语义: 截断或丢弃时仍返回 len(p), 让 io.Copy 读完整个 body 而不是报 ErrShortWrite。
// 底层 writer 出错时返回实际写入字节数与该错误。
type LimitedWriter struct {
	w         io.Writer
	limit     int
	written   int
	discarded bool
}

// NewLimitedWriter 创建 LimitedWriter。
func NewLimitedWriter(w io.Writer, limit int) *LimitedWriter {
	return &LimitedWriter{w: w, limit: limit}
}

// Write 写入 p, 超限部分静默丢弃。
func (lw *LimitedWriter) Write(p []byte) (int, error) {
	remain := lw.limit - lw.written
	if remain <= 0 {
		if len(p) > 0 {
			lw.discarded = true
		}
		return len(p), nil
	}
	chunk := p
	if len(chunk) > remain {
		chunk = chunk[:remain]
		lw.discarded = true
	}
	n, err := lw.w.Write(chunk)
	lw.written += n
	if err != nil {
		return n, err
	}
	return len(p), nil
}

// Overflow 返回是否有数据因超限被丢弃。
func (lw *LimitedWriter) Overflow() bool { return lw.discarded }

// Written 返回实际已写入的字节数。
func (lw *LimitedWriter) Written() int { return lw.written }
