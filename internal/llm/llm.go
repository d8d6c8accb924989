package llm

import (
	"context"
	"iter"
)

// Generator 以流的形式返回模型输出的文本片段。
//
// 返回的序列只能遍历一次，出错时产出一次非空 error 后结束。
type Generator interface {
	Generate(ctx context.Context, prompt string) iter.Seq2[string, error]
}

// Report 是审计服务返回的结果。Score 仅在服务给出结构化分数时非空。
type Report struct {
	Text  string
	Score *float64
}

// Auditor 对合约源码进行安全审计。
type Auditor interface {
	Audit(ctx context.Context, code string) (Report, error)
}

// Service 同时具备生成与审计能力。
type Service interface {
	Generator
	Auditor
}

// Collect 读取完整的生成结果。
func Collect(seq iter.Seq2[string, error]) (string, error) {
	var out []byte
	for chunk, err := range seq {
		if err != nil {
			return string(out), err
		}
		out = append(out, chunk...)
	}
	return string(out), nil
}
