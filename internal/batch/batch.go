// Package batch loads request plans from YAML and runs them against an
// alova instance. Requests in the same stage run concurrently; stages run
// in ascending order.
package batch

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Aaminly/alova"
)

// Plan is a YAML request file.
type Plan struct {
	BaseURL  string    `yaml:"baseURL"`
	Requests []Request `yaml:"requests"`
}

// Request describes one method and how often to send it.
type Request struct {
	Name      string            `yaml:"name"`
	Verb      string            `yaml:"verb"`
	URL       string            `yaml:"url"`
	Params    map[string]any    `yaml:"params"`
	Headers   map[string]string `yaml:"headers"`
	Body      any               `yaml:"body"`
	Cache     any               `yaml:"cache"`
	HitSource []string          `yaml:"hitSource"`
	Repeat    int               `yaml:"repeat"`
	Stage     int               `yaml:"stage"`
	Force     bool              `yaml:"force"`
	Timeout   string            `yaml:"timeout"`

	// compiled
	policy    *alova.CachePolicy
	hitSource []alova.HitSourceRef
	timeout   time.Duration
}

// Outcome is the result of one send.
type Outcome struct {
	Name      string
	Stage     int
	Attempt   int
	Data      any
	FromCache bool
	Err       error
	Duration  time.Duration
}

// Load reads and validates a plan file.
func Load(path string) (*Plan, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Parse decodes and validates a plan.
func Parse(b []byte) (*Plan, error) {
	var plan Plan
	if err := yaml.Unmarshal(b, &plan); err != nil {
		return nil, err
	}
	if len(plan.Requests) == 0 {
		return nil, fmt.Errorf("requests: at least one request is required")
	}

	for i := range plan.Requests {
		r := &plan.Requests[i]
		if r.URL == "" {
			return nil, fmt.Errorf("requests[%d].url is required", i)
		}
		if r.Name == "" {
			r.Name = r.URL
		}
		r.Verb = strings.ToUpper(strings.TrimSpace(r.Verb))
		if r.Verb == "" {
			r.Verb = "GET"
		}
		if !validVerb(r.Verb) {
			return nil, fmt.Errorf("requests[%d].verb: unsupported verb %q", i, r.Verb)
		}
		if r.Repeat <= 0 {
			r.Repeat = 1
		}
		if r.Cache != nil {
			p, err := alova.ParseCachePolicy(r.Cache)
			if err != nil {
				return nil, fmt.Errorf("requests[%d].cache: %w", i, err)
			}
			r.policy = p
		}
		for _, src := range r.HitSource {
			ref, err := parseHitSource(src)
			if err != nil {
				return nil, fmt.Errorf("requests[%d].hitSource: %w", i, err)
			}
			r.hitSource = append(r.hitSource, ref)
		}
		if r.Timeout != "" {
			d, err := time.ParseDuration(r.Timeout)
			if err != nil {
				return nil, fmt.Errorf("requests[%d].timeout: %w", i, err)
			}
			r.timeout = d
		}
	}

	return &plan, nil
}

// parseHitSource reads "/expr/" as a URL pattern and anything else as a
// method name.
func parseHitSource(src string) (alova.HitSourceRef, error) {
	src = strings.TrimSpace(src)
	if len(src) >= 2 && strings.HasPrefix(src, "/") && strings.HasSuffix(src, "/") {
		re, err := regexp.Compile(src[1 : len(src)-1])
		if err != nil {
			return alova.HitSourceRef{}, err
		}
		return alova.HitPattern(re), nil
	}
	if src == "" {
		return alova.HitSourceRef{}, fmt.Errorf("empty hit source")
	}
	return alova.HitName(src), nil
}

func validVerb(v string) bool {
	switch alova.Verb(v) {
	case alova.VerbGet, alova.VerbHead, alova.VerbPost, alova.VerbPut,
		alova.VerbPatch, alova.VerbDelete, alova.VerbOptions:
		return true
	}
	return false
}

// Method builds the alova method for r.
func (r *Request) Method(inst *alova.Instance) *alova.Method {
	cfg := alova.MethodConfig{
		Params:     r.Params,
		Headers:    r.Headers,
		Timeout:    r.timeout,
		LocalCache: r.policy,
		HitSource:  r.hitSource,
		Name:       r.Name,
	}
	switch alova.Verb(r.Verb) {
	case alova.VerbHead:
		return inst.Head(r.URL, cfg)
	case alova.VerbOptions:
		return inst.Options(r.URL, cfg)
	case alova.VerbPost:
		return inst.Post(r.URL, r.Body, cfg)
	case alova.VerbPut:
		return inst.Put(r.URL, r.Body, cfg)
	case alova.VerbPatch:
		return inst.Patch(r.URL, r.Body, cfg)
	case alova.VerbDelete:
		return inst.Delete(r.URL, r.Body, cfg)
	default:
		return inst.Get(r.URL, cfg)
	}
}

// Stages returns the distinct stage numbers in ascending order.
func (p *Plan) Stages() []int {
	seen := map[int]bool{}
	var stages []int
	for _, r := range p.Requests {
		if !seen[r.Stage] {
			seen[r.Stage] = true
			stages = append(stages, r.Stage)
		}
	}
	sort.Ints(stages)
	return stages
}

// Run sends every request of the plan. Outcomes are ordered by stage, then
// by request position and attempt.
func Run(ctx context.Context, inst *alova.Instance, plan *Plan) []Outcome {
	var outcomes []Outcome

	for _, stage := range plan.Stages() {
		var (
			wg    sync.WaitGroup
			mu    sync.Mutex
			batch []Outcome
		)
		for i := range plan.Requests {
			r := &plan.Requests[i]
			if r.Stage != stage {
				continue
			}
			for attempt := 0; attempt < r.Repeat; attempt++ {
				wg.Add(1)
				go func(r *Request, attempt int) {
					defer wg.Done()
					start := time.Now()
					res, err := r.Method(inst).Send(ctx, r.Force)
					o := Outcome{
						Name:     r.Name,
						Stage:    stage,
						Attempt:  attempt,
						Err:      err,
						Duration: time.Since(start),
					}
					if res != nil {
						o.Data = res.Data
						o.FromCache = res.FromCache
					}
					mu.Lock()
					batch = append(batch, o)
					mu.Unlock()
				}(r, attempt)
			}
		}
		wg.Wait()

		sort.SliceStable(batch, func(a, b int) bool {
			if batch[a].Name != batch[b].Name {
				return indexOf(plan, batch[a].Name) < indexOf(plan, batch[b].Name)
			}
			return batch[a].Attempt < batch[b].Attempt
		})
		outcomes = append(outcomes, batch...)
	}

	return outcomes
}

func indexOf(plan *Plan, name string) int {
	for i, r := range plan.Requests {
		if r.Name == name {
			return i
		}
	}
	return len(plan.Requests)
}
