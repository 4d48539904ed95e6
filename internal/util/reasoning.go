package util

import (
	"regexp"
	"strings"
)

// thinkBlocks match the inline reasoning formats models emit. The CJK form
// comes from a few Chinese checkpoints.
var thinkBlocks = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<think(?:ing)?>(.*?)</think(?:ing)?>`),
	regexp.MustCompile(`(?s)<思考>(.*?)</思考>`),
}

// SplitReasoning separates inline think blocks from the answer. Multiple
// blocks are joined with a blank line.
func SplitReasoning(output string) (reasoning, answer string) {
	var blocks []string
	answer = output
	for _, re := range thinkBlocks {
		for _, m := range re.FindAllStringSubmatch(answer, -1) {
			blocks = append(blocks, strings.TrimSpace(m[1]))
		}
		answer = re.ReplaceAllString(answer, "")
	}
	return strings.Join(blocks, "\n\n"), strings.TrimSpace(answer)
}

// StripThinkTags returns the answer with every think block removed
func StripThinkTags(output string) string {
	_, answer := SplitReasoning(output)
	return answer
}

// CombineReasoningAndContent puts a reasoning model's separate reasoning
// stream back in front of its answer, in think tags, so the stored output
// matches what a model emitting inline think tags would produce
func CombineReasoningAndContent(reasoning, content string) string {
	if reasoning == "" {
		return content
	}
	return "<think>\n" + reasoning + "\n</think>\n\n" + content
}
