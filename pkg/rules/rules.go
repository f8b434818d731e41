// Package rules implements the rule-list dispatch layer that runs above
// the forwarder: operator-configured predicates decide whether a query is
// forwarded, answered with a fixed response code, or handed to another
// rule list. Grounded on the teacher's pkg/policy/engine.go (expr-lang
// compiled predicates over a per-query evaluation context, with
// domain/CIDR/query-type helper functions registered into the expression
// environment), adapted from a BLOCK/ALLOW/REDIRECT filter to the bounded
// Continue/Return/Jump action set this resolver's rule dispatch needs.
package rules

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"dnscache/pkg/record"
)

// MatchContext is what a compiled rule expression is evaluated against.
type MatchContext struct {
	Domain    string
	ClientIP  string
	QueryType string
}

// Matcher decides whether a rule applies to a query.
type Matcher interface {
	Match(ctx MatchContext) (bool, error)
}

// ActionResult tells the Processor what to do after an Action runs.
type ActionResult int

const (
	// Continue moves to the next rule in the current list.
	Continue ActionResult = iota
	// Return stops processing and uses this action's response.
	Return
	// Jump switches to another named rule list and restarts matching
	// there.
	Jump
)

// Action is what a matched rule does.
type Action interface {
	// Apply returns the action's result. When it returns Jump, jumpTo
	// names the rule list to continue in.
	Apply(ctx context.Context, q record.Question) (result ActionResult, jumpTo string, rcode record.ResponseCode, err error)
}

// Rule pairs a Matcher with the Action to run when it matches.
type Rule struct {
	Matcher Matcher
	Action  Action
}

// RuleListID names one of the Processor's rule lists.
type RuleListID string

// DefaultList is the entry point a deployment with no configured rules
// runs: its sole rule unconditionally forwards, so the Processor
// degenerates to exactly the bare Forwarder call.
const DefaultList RuleListID = "default"

// Processor holds named rule lists and dispatches a query through one,
// following Jump actions across lists and refusing to loop forever.
type Processor struct {
	lists map[RuleListID][]Rule
}

// NewProcessor builds a Processor from configured rule lists. If lists is
// empty or omits DefaultList, DefaultList is set to a single
// {Any, Forward} rule.
func NewProcessor(lists map[RuleListID][]Rule) *Processor {
	p := &Processor{lists: make(map[RuleListID][]Rule, len(lists)+1)}
	for id, rs := range lists {
		p.lists[id] = rs
	}
	if _, ok := p.lists[DefaultList]; !ok {
		p.lists[DefaultList] = []Rule{{Matcher: Any{}, Action: Forward{}}}
	}
	return p
}

// Dispatch walks q through DefaultList, returning the terminal action
// result. Matching stops at the first rule whose Matcher matches, unless
// that rule's Action returns Continue, in which case the next rule is tried.
func (p *Processor) Dispatch(ctx context.Context, q record.Question, mctx MatchContext) (ActionResult, record.ResponseCode, error) {
	return p.dispatchFrom(ctx, DefaultList, q, mctx, newVisitedSet())
}

func (p *Processor) dispatchFrom(ctx context.Context, list RuleListID, q record.Question, mctx MatchContext, visited *visitedSet) (ActionResult, record.ResponseCode, error) {
	if visited.contains(list) {
		return Return, record.RcodeServerFailure, fmt.Errorf("rules: cycle detected re-entering list %q", list)
	}
	visited.add(list)

	rules, ok := p.lists[list]
	if !ok {
		return Return, record.RcodeServerFailure, fmt.Errorf("rules: unknown rule list %q", list)
	}

	for _, rule := range rules {
		matched, err := rule.Matcher.Match(mctx)
		if err != nil {
			return Return, record.RcodeServerFailure, fmt.Errorf("rules: matcher error: %w", err)
		}
		if !matched {
			continue
		}

		result, jumpTo, rcode, err := rule.Action.Apply(ctx, q)
		if err != nil {
			return Return, record.RcodeServerFailure, fmt.Errorf("rules: action error: %w", err)
		}
		switch result {
		case Continue:
			continue
		case Jump:
			return p.dispatchFrom(ctx, RuleListID(jumpTo), q, mctx, visited)
		default:
			return Return, rcode, nil
		}
	}

	// No rule matched: an empty or exhausted list forwards by default,
	// the same degenerate behavior as DefaultList.
	return Return, record.RcodeNoError, nil
}

// visitedSet is an insertion-ordered set of visited rule list names, used
// to detect Jump cycles — a slice-plus-membership-map, matching the
// original's LinkedHashSet usage.
type visitedSet struct {
	order []RuleListID
	seen  map[RuleListID]bool
}

func newVisitedSet() *visitedSet {
	return &visitedSet{seen: make(map[RuleListID]bool)}
}

func (v *visitedSet) add(id RuleListID) {
	if !v.seen[id] {
		v.seen[id] = true
		v.order = append(v.order, id)
	}
}

func (v *visitedSet) contains(id RuleListID) bool {
	return v.seen[id]
}

// Any matches every query unconditionally.
type Any struct{}

// Match always returns true.
func (Any) Match(MatchContext) (bool, error) { return true, nil }

// Forward is the Action that lets the query proceed to upstream
// resolution — Return with NoError tells the Processor's caller to hand
// the query to the Forwarder.
type Forward struct{}

// Apply always returns Return/NoError.
func (Forward) Apply(context.Context, record.Question) (ActionResult, string, record.ResponseCode, error) {
	return Return, "", record.RcodeNoError, nil
}

// ReturnCode is the Action that answers immediately with a fixed response
// code, without engaging the forwarder.
type ReturnCode struct {
	Code record.ResponseCode
}

// Apply always returns Return/Code.
func (r ReturnCode) Apply(context.Context, record.Question) (ActionResult, string, record.ResponseCode, error) {
	return Return, "", r.Code, nil
}

// JumpTo is the Action that switches rule lists.
type JumpTo struct {
	List RuleListID
}

// Apply always returns Jump/List.
func (j JumpTo) Apply(context.Context, record.Question) (ActionResult, string, record.ResponseCode, error) {
	return Jump, string(j.List), record.RcodeNoError, nil
}

// ExprMatcher wraps a compiled expr-lang program evaluated against a
// MatchContext.
type ExprMatcher struct {
	program *vm.Program
}

// NewExprMatcher compiles expression against the MatchContext environment,
// with the domain/CIDR/query-type helper functions rule authors can call.
func NewExprMatcher(expression string) (*ExprMatcher, error) {
	program, err := expr.Compile(expression,
		expr.Env(MatchContext{}),
		expr.Function("DomainMatches", func(params ...any) (any, error) {
			return domainMatches(params[0].(string), params[1].(string)), nil
		}, new(func(string, string) bool)),
		expr.Function("DomainEndsWith", func(params ...any) (any, error) {
			return strings.HasSuffix(strings.ToLower(params[0].(string)), strings.ToLower(params[1].(string))), nil
		}, new(func(string, string) bool)),
		expr.Function("IPInCIDR", func(params ...any) (any, error) {
			return ipInCIDR(params[0].(string), params[1].(string)), nil
		}, new(func(string, string) bool)),
		expr.Function("QueryTypeIn", func(params ...any) (any, error) {
			queryType := strings.ToUpper(params[0].(string))
			for i := 1; i < len(params); i++ {
				if strings.ToUpper(params[i].(string)) == queryType {
					return true, nil
				}
			}
			return false, nil
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("rules: compiling expression %q: %w", expression, err)
	}
	return &ExprMatcher{program: program}, nil
}

// Match runs the compiled program against ctx.
func (m *ExprMatcher) Match(ctx MatchContext) (bool, error) {
	out, err := expr.Run(m.program, ctx)
	if err != nil {
		return false, fmt.Errorf("rules: evaluating expression: %w", err)
	}
	matched, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("rules: expression did not evaluate to a bool")
	}
	return matched, nil
}

func domainMatches(domain, pattern string) bool {
	domain = strings.ToLower(domain)
	pattern = strings.ToLower(pattern)
	if strings.Contains(domain, pattern) {
		return true
	}
	if strings.HasPrefix(pattern, ".") {
		suffix := pattern[1:]
		return strings.HasSuffix(domain, pattern) || domain == suffix
	}
	return false
}

func ipInCIDR(ipStr, cidrStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	_, ipNet, err := net.ParseCIDR(cidrStr)
	if err != nil {
		return false
	}
	return ipNet.Contains(ip)
}
