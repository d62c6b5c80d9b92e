package scorer

// judgeSystemPrompt frames every judge call. The closing line format is
// what parseScore looks for.
const judgeSystemPrompt = `You are an impartial evaluator of answers produced by an AI system.

You receive a question, optionally the context documents the system retrieved, optionally a reference answer, and the actual answer. You rate exactly one property of the answer, described below, on a scale from 0 to 10.

Think briefly, then finish with a single line in this exact format:

<score> out of 10

Example final line:

7 out of 10`

// judgeCriteria describes what each judge metric rates.
var judgeCriteria = map[string]string{
	MetricFaithfulness: `Property: faithfulness.
Rate how well every claim in the actual answer is supported by the context documents. 10 means every statement can be verified from the documents. 0 means the answer contradicts the documents or is entirely made up. Ignore whether the answer is helpful; only grounding matters.`,

	MetricAnswerRelevancy: `Property: answer relevancy.
Rate how directly the actual answer addresses the question. 10 means it answers exactly what was asked without digressions. 0 means it is unrelated to the question. Correctness is not part of this rating.`,

	MetricContextPrecision: `Property: context precision.
Rate what share of the context documents is actually relevant for answering the question, giving more weight to the documents listed first. 10 means every document is relevant. 0 means none is.`,

	MetricContextRecall: `Property: context recall.
Rate how much of the information in the reference answer can be found in the context documents. 10 means the documents contain everything needed. 0 means they contain none of it.`,
}
