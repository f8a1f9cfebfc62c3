package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/Limetric/recordferry/internal/store"
)

// runHooks reads each SQL file, expands {{schema}}, and executes every
// statement on the target outside any pair transaction.
func runHooks(ctx context.Context, db store.Database, cfg *Config, files []string, phase string, log *zap.Logger) error {
	if len(files) == 0 {
		return nil
	}
	log.Info("running hooks", zap.String("phase", phase), zap.Int("files", len(files)))

	schema := cfg.Target.Schema
	if schema == "" {
		schema = "public"
	}
	for _, f := range files {
		data, err := os.ReadFile(cfg.resolvePath(f))
		if err != nil {
			return fmt.Errorf("hook %s: read %s: %w", phase, f, err)
		}
		stmts := splitStatements(strings.ReplaceAll(string(data), "{{schema}}", schema))
		log.Debug("hook file", zap.String("file", f), zap.Int("statements", len(stmts)))
		for i, stmt := range stmts {
			if err := db.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("hook %s: %s: statement %d: %w\nSQL: %s", phase, f, i+1, err, stmt)
			}
		}
	}
	return nil
}

// sqlScanner walks SQL text and tracks whether the current position is
// inside a literal, a quoted identifier, a comment or a dollar-quoted body.
type sqlScanner struct {
	sql       string
	i         int
	quote     byte // ' or " while inside a quoted string
	line      bool
	blocks    int
	dollarTag string
}

// inCode reports whether a semicolon at the current position ends a
// statement.
func (s *sqlScanner) inCode() bool {
	return s.quote == 0 && !s.line && s.blocks == 0 && s.dollarTag == ""
}

func (s *sqlScanner) at(prefix string) bool { return strings.HasPrefix(s.sql[s.i:], prefix) }

// step consumes the token at the current position and returns it.
func (s *sqlScanner) step() string {
	c := s.sql[s.i]
	switch {
	case s.line:
		s.line = c != '\n'
	case s.blocks > 0:
		if s.at("/*") {
			s.blocks++
			return s.take(2)
		}
		if s.at("*/") {
			s.blocks--
			return s.take(2)
		}
	case s.quote != 0:
		if c == s.quote {
			if s.i+1 < len(s.sql) && s.sql[s.i+1] == s.quote {
				return s.take(2)
			}
			s.quote = 0
		}
	case s.dollarTag != "":
		if s.at(s.dollarTag) {
			tag := s.dollarTag
			s.dollarTag = ""
			return s.take(len(tag))
		}
	default:
		switch {
		case s.at("--"):
			s.line = true
			return s.take(2)
		case s.at("/*"):
			s.blocks = 1
			return s.take(2)
		case c == '\'' || c == '"':
			s.quote = c
		case c == '$':
			if tag, ok := dollarTag(s.sql[s.i:]); ok {
				s.dollarTag = tag
				return s.take(len(tag))
			}
		}
	}
	return s.take(1)
}

func (s *sqlScanner) take(n int) string {
	tok := s.sql[s.i : s.i+n]
	s.i += n
	return tok
}

// splitStatements splits SQL text on semicolons, ignoring empty entries
// and semicolons inside quotes, comments and dollar-quoted bodies.
func splitStatements(sql string) []string {
	var stmts []string
	var current strings.Builder
	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			stmts = append(stmts, s)
		}
		current.Reset()
	}

	s := &sqlScanner{sql: sql}
	for s.i < len(sql) {
		if s.inCode() && sql[s.i] == ';' {
			s.i++
			flush()
			continue
		}
		current.WriteString(s.step())
	}
	flush()
	return stmts
}

// dollarTag returns the $$ or $tag$ opening sql, if any.
func dollarTag(sql string) (string, bool) {
	if strings.HasPrefix(sql, "$$") {
		return "$$", true
	}
	j := 1
	for j < len(sql) && isTagChar(sql[j], j == 1) {
		j++
	}
	if j > 1 && j < len(sql) && sql[j] == '$' {
		return sql[:j+1], true
	}
	return "", false
}

func isTagChar(c byte, first bool) bool {
	if c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') {
		return true
	}
	return !first && c >= '0' && c <= '9'
}
