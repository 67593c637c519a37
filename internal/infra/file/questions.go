package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"live-quiz-sync/internal/domain"
)

// LoadQuestions reads a question set from a YAML file. The file is either a
// bare list of questions or a document with id, title and questions keys.
func LoadQuestions(path string) (domain.QuizSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.QuizSet{}, err
	}

	var quiz domain.QuizSet
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return domain.QuizSet{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(node.Content) > 0 && node.Content[0].Kind == yaml.SequenceNode {
		err = node.Content[0].Decode(&quiz.Questions)
	} else {
		err = node.Decode(&quiz)
	}
	if err != nil {
		return domain.QuizSet{}, fmt.Errorf("decode %s: %w", path, err)
	}
	if quiz.ID == "" {
		quiz.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return quiz, nil
}

// DirSource serves question sets stored as <dir>/<quizID>.yaml.
type DirSource struct {
	dir string
}

func NewDirSource(dir string) *DirSource {
	return &DirSource{dir: dir}
}

func (s *DirSource) LoadQuiz(_ context.Context, quizID string) (domain.QuizSet, error) {
	if quizID == "" || strings.ContainsAny(quizID, `/\`) || strings.HasPrefix(quizID, ".") {
		return domain.QuizSet{}, fmt.Errorf("%w: %q", domain.ErrQuizNotFound, quizID)
	}
	for _, ext := range []string{".yaml", ".yml"} {
		path := filepath.Join(s.dir, quizID+ext)
		if _, err := os.Stat(path); err == nil {
			quiz, err := LoadQuestions(path)
			if err != nil {
				return domain.QuizSet{}, err
			}
			quiz.ID = quizID
			return quiz, nil
		}
	}
	return domain.QuizSet{}, fmt.Errorf("%w: %s", domain.ErrQuizNotFound, quizID)
}
