package generator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"crisis-drill/server/internal/llm"
	"crisis-drill/server/internal/logger"
	"crisis-drill/server/internal/model"
	"crisis-drill/server/internal/observability"
	"crisis-drill/server/internal/theme"
)

// Kind 生成失败的类型。
type Kind string

const (
	KindGenerationFailed Kind = "generation_failed"
	KindProviderTimeout  Kind = "provider_timeout"
	KindProviderRejected Kind = "provider_rejected"
)

// Error 生成失败。调用方用 errors.As 取出 Kind，原始错误只进日志。
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("generate inject (%s): %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf 返回错误的生成失败类型；非 *Error 视为 generation_failed。
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindGenerationFailed
}

func classify(err error) *Error {
	switch {
	case errors.Is(err, llm.ErrProviderTimeout), errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindProviderTimeout, Err: err}
	case errors.Is(err, llm.ErrProviderRejected):
		return &Error{Kind: KindProviderRejected, Err: err}
	default:
		return &Error{Kind: KindGenerationFailed, Err: err}
	}
}

// Trigger 触发上下文：时间触发或决策触发。
type Trigger struct {
	Path           model.PublishPath
	ElapsedMinutes float64
	Decision       *model.Decision
	Classification *model.Classification
}

// GenerationContext 一次生成所需的全部输入。
type GenerationContext struct {
	Scenario        model.Scenario
	Inject          model.ScenarioInject
	Trigger         Trigger
	Snapshot        *model.EscalationSnapshot
	Usage           model.ThemeUsage
	DecisionSummary string
	Robustness      theme.Robustness
}

// Generator 调用 LLM 生成注入内容。
// 不写台账：生成成功而发布失败时，调用方可以直接重试发布。
type Generator struct {
	client  llm.Client
	log     *logger.Logger
	metrics *observability.OrchestratorCollector
	timeout time.Duration
}

func New(client llm.Client, log *logger.Logger, metrics *observability.OrchestratorCollector, timeout time.Duration) *Generator {
	if log == nil {
		log = logger.Nop()
	}
	return &Generator{
		client:  client,
		log:     log.With("component", "generator"),
		metrics: metrics,
		timeout: timeout,
	}
}

// Generate 生成注入内容，失败时返回 *Error。
// LLM 调用与调用方取消解耦，只受 timeout 约束（发出后不中途取消）。
func (g *Generator) Generate(ctx context.Context, gc GenerationContext) (model.InjectContent, error) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.timeout)
	defer cancel()

	start := time.Now()
	raw, err := g.client.Complete(callCtx, []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: buildUserPrompt(gc)},
	}, contentSchema)
	g.metrics.ObserveProviderCall("generate", time.Since(start))
	if err != nil {
		return model.InjectContent{}, classify(err)
	}

	var out model.InjectContent
	if err := llm.DecodeJSON(raw, &out); err != nil {
		return model.InjectContent{}, classify(err)
	}
	if err := validate(&out, gc.Inject); err != nil {
		return model.InjectContent{}, classify(err)
	}
	return out, nil
}

// validate 校验并规范化输出；缺少未解决问题视为格式错误。
func validate(c *model.InjectContent, inj model.ScenarioInject) error {
	c.Title = strings.TrimSpace(c.Title)
	c.Content = strings.TrimSpace(c.Content)
	c.UnresolvedProblem = strings.TrimSpace(c.UnresolvedProblem)
	c.Severity = model.Severity(strings.ToLower(strings.TrimSpace(string(c.Severity))))
	if c.Severity == "" {
		c.Severity = inj.Severity
	}

	var missing []string
	if c.Title == "" {
		missing = append(missing, "title")
	}
	if c.Content == "" {
		missing = append(missing, "content")
	}
	if !c.Severity.Valid() {
		missing = append(missing, "severity")
	}
	if c.UnresolvedProblem == "" {
		missing = append(missing, "unresolved_problem")
	}
	themes := make([]string, 0, len(c.Themes))
	for _, t := range c.Themes {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			themes = append(themes, t)
		}
	}
	c.Themes = themes
	if len(c.Themes) == 0 {
		missing = append(missing, "themes")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing or invalid %s", llm.ErrMalformedOutput, strings.Join(missing, ", "))
	}
	// 参训人员只看到正文，未解决问题必须出现在正文里
	if !strings.Contains(strings.ToLower(c.Content), strings.ToLower(c.UnresolvedProblem)) {
		c.Content += "\n\n" + c.UnresolvedProblem
	}
	return nil
}
