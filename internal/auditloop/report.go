package auditloop

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

// MaxIssues 是反馈给下一轮生成的问题条数上限。
const MaxIssues = 5

// SeverityCounts 是报告中各严重级别关键字出现的次数。
type SeverityCounts struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
}

// Score 是从报告中得出的分数及其来源。
type Score struct {
	Value    float64        `json:"value"`
	Source   string         `json:"source"`
	Severity SeverityCounts `json:"severity"`
}

// 分数来源
const (
	SourceStructured = "structured"
	SourceExplicit   = "explicit"
	SourceFallback   = "severity_fallback"
)

var (
	explicitScore = regexp.MustCompile(`(?i)\bscore\b\s*(?:is)?\s*[:=]?\s*(\d{1,3}(?:\.\d+)?)`)
	fractionScore = regexp.MustCompile(`\b(\d{1,3}(?:\.\d+)?)\s*/\s*100\b`)
	criticalWord  = regexp.MustCompile(`(?i)\bcritical\b`)
	highWord      = regexp.MustCompile(`(?i)\bhigh\b`)
	mediumWord    = regexp.MustCompile(`(?i)\bmedium\b`)
	issueLine     = regexp.MustCompile(`(?i)\b(severity|vulnerab\w*|issues?|warnings?|critical|high|medium)\b`)
	sentenceEnd   = regexp.MustCompile(`[.!?](\s+|$)`)
	bulletPrefix  = regexp.MustCompile(`^\s*(?:[-*•]+|\d+[.)])\s*`)
)

// ScoreReport 优先使用结构化分数，其次是报告中的 "score: N" 或 "N/100"，
// 最后按 100 − 30×critical − 15×high − 5×medium 计算，结果限制在 [0,100]。
func ScoreReport(text string, structured *float64) Score {
	counts := countSeverities(text)
	if structured != nil {
		return Score{Value: clamp(*structured), Source: SourceStructured, Severity: counts}
	}
	for _, re := range []*regexp.Regexp{explicitScore, fractionScore} {
		if m := re.FindStringSubmatch(text); m != nil {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				return Score{Value: clamp(v), Source: SourceExplicit, Severity: counts}
			}
		}
	}
	v := 100 - 30*float64(counts.Critical) - 15*float64(counts.High) - 5*float64(counts.Medium)
	return Score{Value: clamp(v), Source: SourceFallback, Severity: counts}
}

func countSeverities(text string) SeverityCounts {
	return SeverityCounts{
		Critical: len(criticalWord.FindAllStringIndex(text, -1)),
		High:     len(highWord.FindAllStringIndex(text, -1)),
		Medium:   len(mediumWord.FindAllStringIndex(text, -1)),
	}
}

func clamp(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(100, v))
}

// ExtractIssues 取出至多 MaxIssues 条问题描述。没有关键字行时退回到报告的前几句。
func ExtractIssues(report string) []string {
	var issues []string
	for _, line := range strings.Split(report, "\n") {
		line = strings.TrimSpace(bulletPrefix.ReplaceAllString(line, ""))
		if line == "" || isScoreLine(line) {
			continue
		}
		if issueLine.MatchString(line) {
			issues = append(issues, line)
			if len(issues) == MaxIssues {
				return issues
			}
		}
	}
	if len(issues) > 0 {
		return issues
	}

	text := strings.Join(strings.Fields(report), " ")
	for text != "" && len(issues) < MaxIssues {
		loc := sentenceEnd.FindStringIndex(text)
		if loc == nil {
			issues = append(issues, text)
			break
		}
		if sentence := strings.TrimSpace(text[:loc[0]+1]); sentence != "" {
			issues = append(issues, sentence)
		}
		text = strings.TrimSpace(text[loc[1]:])
	}
	return issues
}

// isScoreLine 判断一行是否只是分数声明。
func isScoreLine(line string) bool {
	rest := explicitScore.ReplaceAllString(line, "")
	rest = strings.Trim(rest, " /100.")
	return rest == ""
}

// FeedbackPrompt 在原始需求后附加需要修复的问题。
func FeedbackPrompt(prompt string, issues []string) string {
	if len(issues) == 0 {
		return prompt
	}
	var b strings.Builder
	b.WriteString(strings.TrimSpace(prompt))
	b.WriteString("\n\nFix these issues:\n")
	for i, issue := range issues {
		b.WriteString(strconv.Itoa(i + 1))
		b.WriteString(". ")
		b.WriteString(issue)
		b.WriteString("\n")
	}
	return b.String()
}
