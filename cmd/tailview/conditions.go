package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"tailview/internal/condition"
	"tailview/internal/event"
)

// conditionFlags builds a condition from a JSON expression and the
// shorthand flags. Every given flag must match.
type conditionFlags struct {
	expr       string
	level      string
	contains   string
	ignoreCase bool
	pattern    string
	logger     string
	source     string
	fields     []string
}

func (f *conditionFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVarP(&f.expr, "condition", "c", "", "condition as JSON, or @file to read it from a file")
	flags.StringVarP(&f.level, "level", "l", "", "minimum level: trace, debug, info, warn, error")
	flags.StringVar(&f.contains, "contains", "", "message contains text")
	flags.BoolVarP(&f.ignoreCase, "ignore-case", "i", false, "case-insensitive --contains")
	flags.StringVar(&f.pattern, "match", "", "message matches a regular expression")
	flags.StringVar(&f.logger, "logger", "", "logger name starts with prefix")
	flags.StringVar(&f.source, "source", "", "record source as primary or primary/secondary")
	flags.StringArrayVar(&f.fields, "field", nil, "field equals value, as key=value (repeatable)")
}

// build returns the combined condition, or nil when no flag was given.
func (f *conditionFlags) build() (condition.Condition, error) {
	var c condition.Condition

	if f.expr != "" {
		data := []byte(f.expr)
		if name, ok := strings.CutPrefix(f.expr, "@"); ok {
			var err error
			if data, err = os.ReadFile(name); err != nil {
				return nil, fmt.Errorf("read condition: %w", err)
			}
		}
		parsed, err := condition.Unmarshal(data)
		if err != nil {
			return nil, err
		}
		c = parsed
	}

	if f.level != "" {
		level, err := event.ParseLevel(f.level)
		if err != nil {
			return nil, err
		}
		c = condition.Combine(c, condition.LevelAtLeast{Level: level})
	}
	if f.contains != "" {
		c = condition.Combine(c, condition.MessageContains{Text: f.contains, IgnoreCase: f.ignoreCase})
	}
	if f.pattern != "" {
		m, err := condition.NewMessageMatches(f.pattern)
		if err != nil {
			return nil, err
		}
		c = condition.Combine(c, m)
	}
	if f.logger != "" {
		c = condition.Combine(c, condition.LoggerPrefix{Prefix: f.logger})
	}
	if f.source != "" {
		c = condition.Combine(c, condition.SourceIs{Source: parseSource(f.source)})
	}
	for _, kv := range f.fields {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --field %q (want key=value)", kv)
		}
		c = condition.Combine(c, condition.FieldEquals{Key: key, Value: value})
	}
	return c, nil
}

// parseSource splits "primary/secondary".
func parseSource(s string) event.SourceIdentifier {
	primary, secondary, _ := strings.Cut(s, "/")
	return event.SourceIdentifier{Primary: primary, Secondary: secondary}
}
