package auditloop

import (
	"regexp"
	"strings"

	xerrors "chimera/internal/errors"
)

// CodeExtractor 从模型原始输出中提取合约源码。找不到时返回 EXTRACTION_FAILED。
type CodeExtractor interface {
	Extract(raw string) (string, error)
}

// ExtractorFunc 让普通函数满足 CodeExtractor。
type ExtractorFunc func(raw string) (string, error)

// Extract 调用 f。
func (f ExtractorFunc) Extract(raw string) (string, error) {
	return f(raw)
}

var (
	fencePattern  = regexp.MustCompile("(?s)```[A-Za-z0-9_+-]*[ \t]*\r?\n(.*?)```")
	anchorPattern = regexp.MustCompile(`//\s*SPDX-License-Identifier|pragma\s+solidity`)
)

var contractMarkers = []string{"pragma solidity", "contract ", "// SPDX"}

// HeuristicExtractor 依次尝试带合约标记的代码块与许可证/pragma 锚点，结果截断到最后一个右花括号。
type HeuristicExtractor struct{}

// Extract 实现 CodeExtractor。
func (HeuristicExtractor) Extract(raw string) (string, error) {
	for _, m := range fencePattern.FindAllStringSubmatch(raw, -1) {
		block := m[1]
		if !hasMarker(block) {
			continue
		}
		if code, ok := trimToLastBrace(block); ok {
			return code, nil
		}
	}
	if loc := anchorPattern.FindStringIndex(raw); loc != nil {
		if code, ok := trimToLastBrace(raw[loc[0]:]); ok {
			return code, nil
		}
	}
	return "", xerrors.New(xerrors.CodeExtractionFailed, "")
}

func hasMarker(block string) bool {
	for _, marker := range contractMarkers {
		if strings.Contains(block, marker) {
			return true
		}
	}
	return false
}

func trimToLastBrace(s string) (string, bool) {
	end := strings.LastIndex(s, "}")
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(s[:end+1]), true
}
