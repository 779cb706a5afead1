package gateway

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/clearflow/aquaedge/internal/config"
	"github.com/clearflow/aquaedge/internal/expr"
)

// Class is the routing strategy assigned to a request.
type Class string

const (
	ClassStatic  Class = "static"
	ClassAPI     Class = "api"
	ClassGeneric Class = "generic"
)

type compiledRule struct {
	name    string
	class   Class
	program expr.Program
}

// Classifier assigns a strategy class to each incoming GET request.
// Precedence: precache manifest paths are static, API pattern matches are api,
// then CEL route rules fire in manifest order, and everything left is generic.
type Classifier struct {
	precache     map[string]struct{}
	precacheList []string
	apiPatterns  []string
	rules        []compiledRule
	logger       *slog.Logger
}

// NewClassifier compiles the manifest's route rules against the expression
// environment. The manifest must already be validated.
func NewClassifier(manifest config.RouteManifest, env *expr.Environment, logger *slog.Logger) (*Classifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Classifier{
		precache:     make(map[string]struct{}, len(manifest.Precache)),
		precacheList: append([]string(nil), manifest.Precache...),
		apiPatterns:  append([]string(nil), manifest.APIPatterns...),
		logger:       logger,
	}
	for _, path := range manifest.Precache {
		c.precache[path] = struct{}{}
	}
	for _, rule := range manifest.Rules {
		program, err := env.Compile(rule.When)
		if err != nil {
			return nil, fmt.Errorf("gateway: rule %q: %w", rule.Name, err)
		}
		c.rules = append(c.rules, compiledRule{
			name:    rule.Name,
			class:   Class(rule.Class),
			program: program,
		})
	}
	return c, nil
}

// Classify picks the strategy class for the request. Rule evaluation errors
// are logged and the rule is skipped, so a broken condition never takes the
// gateway down.
func (c *Classifier) Classify(r *http.Request, now time.Time) Class {
	if _, ok := c.precache[r.URL.Path]; ok {
		return ClassStatic
	}
	for _, pattern := range c.apiPatterns {
		if strings.Contains(r.URL.Path, pattern) {
			return ClassAPI
		}
	}
	if len(c.rules) > 0 {
		vars := expr.RequestActivation(r, now)
		for _, rule := range c.rules {
			matched, err := rule.program.EvalBool(vars)
			if err != nil {
				c.logger.Warn("route rule evaluation failed",
					slog.String("rule", rule.name),
					slog.Any("error", err))
				continue
			}
			if matched {
				return rule.class
			}
		}
	}
	return ClassGeneric
}

// PrecachePaths returns the manifest paths installed into a new generation,
// in manifest order.
func (c *Classifier) PrecachePaths() []string {
	return append([]string(nil), c.precacheList...)
}
