package config

// GetDefaultJudgeRubric returns the default template for LLM-as-a-Judge evaluation.
// Row columns are available to the template alongside Input, Output and Target.
func GetDefaultJudgeRubric() string {
	return `You are evaluating a model's answer to a task.

TASK:
{{.Input}}

REFERENCE ANSWER (may be empty):
{{.Target}}

MODEL ANSWER:
{{.Output}}

Score the model answer on each criterion from 1 to 5, where:
   - 1 = wrong or unusable
   - 2 = mostly wrong
   - 3 = partially correct
   - 4 = correct with minor issues
   - 5 = fully correct and well expressed

The criteria are:
1. correctness: agreement with the reference answer, or factual accuracy when there is none
2. completeness: covers everything the task asks for
3. clarity: concise, well organized and easy to follow

Return ONLY a valid JSON object with this exact structure (no markdown, no additional text):
{
  "correctness": {"score": <1-5>, "reasoning": "<one or two sentences>"},
  "completeness": {"score": <1-5>, "reasoning": "<one or two sentences>"},
  "clarity": {"score": <1-5>, "reasoning": "<one or two sentences>"}
}

IMPORTANT: Your response must be valid JSON and nothing else.`
}

// GetDefaultJudgeSystemPrompt returns a system prompt for judge evaluation
func GetDefaultJudgeSystemPrompt() string {
	return `You are a strict, impartial evaluator. Judge answers only on the stated criteria and always answer with the requested JSON.`
}
