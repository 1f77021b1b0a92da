package supervisor

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/kalambet/papermill/internal/pipeline"
)

// TopicSource hands out the input for the next unit. The ID is filled in
// by the supervisor.
type TopicSource interface {
	Next() pipeline.WorkItem
}

// Defaults fill fields a topic entry leaves empty.
type Defaults struct {
	Language     string
	TargetLength int
}

// FixedTopic always returns the same topic.
type FixedTopic struct {
	Topic    string
	Defaults Defaults
}

func (f FixedTopic) Next() pipeline.WorkItem {
	return pipeline.WorkItem{Topic: f.Topic, Language: f.Defaults.Language, TargetLength: f.Defaults.TargetLength}
}

type topicEntry struct {
	Topic        string `yaml:"topic"`
	Language     string `yaml:"language"`
	TargetLength int    `yaml:"target_length"`
}

type topicsFile struct {
	Topics []topicEntry `yaml:"topics"`
}

// FileTopics cycles through the topics listed in a YAML file.
type FileTopics struct {
	mu      sync.Mutex
	entries []topicEntry
	next    int
}

// LoadTopics reads a topics file of the form
//
//	topics:
//	  - topic: Adaptive retry policies
//	    language: English
//	    target_length: 2000
//
// Entries without a language or length take them from defaults.
func LoadTopics(path string, defaults Defaults) (*FileTopics, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading topics file: %w", err)
	}
	var f topicsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing topics file %s: %w", path, err)
	}
	ft := &FileTopics{}
	for _, e := range f.Topics {
		e.Topic = strings.TrimSpace(e.Topic)
		if e.Topic == "" {
			continue
		}
		if e.Language == "" {
			e.Language = defaults.Language
		}
		if e.TargetLength <= 0 {
			e.TargetLength = defaults.TargetLength
		}
		ft.entries = append(ft.entries, e)
	}
	if len(ft.entries) == 0 {
		return nil, fmt.Errorf("topics file %s lists no topics", path)
	}
	return ft, nil
}

func (f *FileTopics) Next() pipeline.WorkItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := f.entries[f.next%len(f.entries)]
	f.next++
	return pipeline.WorkItem{Topic: e.Topic, Language: e.Language, TargetLength: e.TargetLength}
}

// Len returns the number of topics.
func (f *FileTopics) Len() int { return len(f.entries) }
