package domain

import "strings"

// ValidateQuestions checks every question before it is sent to the backend and
// reports all offending indices at once.
func ValidateQuestions(questions []Question) error {
	if len(questions) == 0 {
		return &ValidationError{Indices: []int{0}, Reasons: []string{"no questions"}}
	}
	if len(questions) > MaxQuestions {
		return &ValidationError{Indices: []int{MaxQuestions}, Reasons: []string{"too many questions"}}
	}
	verr := &ValidationError{}
	for i, q := range questions {
		if reason := questionProblem(q); reason != "" {
			verr.Indices = append(verr.Indices, i)
			verr.Reasons = append(verr.Reasons, reason)
		}
	}
	if len(verr.Indices) > 0 {
		return verr
	}
	return nil
}

func questionProblem(q Question) string {
	switch {
	case strings.TrimSpace(q.Text) == "":
		return "missing question text"
	case !q.HasOption(Option1) || !q.HasOption(Option2):
		return "option1 and option2 are required"
	case q.CorrectAnswer == "":
		return "missing correct answer"
	case q.Option(q.CorrectAnswer) == "" && !validKey(q.CorrectAnswer):
		return "unknown correct answer " + string(q.CorrectAnswer)
	case !q.HasOption(q.CorrectAnswer):
		return "correct answer points at an empty option"
	case q.TimeLimit != 0 && (q.TimeLimit < MinTimeLimit || q.TimeLimit > MaxTimeLimit):
		return "time limit out of range"
	}
	return ""
}

func validKey(k OptionKey) bool {
	switch k {
	case Option1, Option2, Option3, Option4:
		return true
	}
	return false
}
