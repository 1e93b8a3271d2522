package classifier

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
	"crisis-drill/server/internal/trigger"

	"golang.org/x/sync/singleflight"
)

// SchemaName 分类调用的 JSON Schema 名。
const SchemaName = "decision_classification"

var schema = &llm.JSONSchema{
	Name: SchemaName,
	Schema: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"categories":    map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"keywords":      map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"semantic_tags": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		},
		"required":             []string{"categories", "keywords", "semantic_tags"},
		"additionalProperties": false,
	},
	Strict: true,
}

const systemPrompt = `You classify decisions taken by participants of a fictional crisis-management exercise.
Return short lower_snake_case categories (for example emergency_declaration, evacuation, public_communication, resource_allocation),
single-word lower-case keywords taken from the decision text, and semantic tags describing intent (for example cooperative, risky, delayed).
Answer with a single JSON object that follows the provided schema.`

// Classifier 为已执行的决策计算一次分类并缓存。
//
// 契约：同一决策无论被分类多少次（重试、并发）都只产生一条记录，返回的结果相同。
type Classifier struct {
	client  llm.Client
	store   Store
	log     *logger.Logger
	metrics *observability.OrchestratorCollector
	timeout time.Duration
	now     func() time.Time
	group   singleflight.Group
}

func New(client llm.Client, store Store, log *logger.Logger, metrics *observability.OrchestratorCollector, timeout time.Duration) *Classifier {
	if log == nil {
		log = logger.Nop()
	}
	return &Classifier{
		client:  client,
		store:   store,
		log:     log.With("component", "classifier"),
		metrics: metrics,
		timeout: timeout,
		now:     time.Now,
	}
}

// Classify 返回决策的分类；已缓存时不调用 LLM。
func (c *Classifier) Classify(ctx context.Context, d model.Decision) (model.Classification, error) {
	if cached, err := c.store.Get(ctx, d.ID); err == nil {
		return *cached, nil
	} else if !errors.Is(err, ErrNotFound) {
		return model.Classification{}, fmt.Errorf("load classification: %w", err)
	}

	v, err, _ := c.group.Do(d.ID, func() (any, error) {
		return c.classify(ctx, d)
	})
	if err != nil {
		return model.Classification{}, err
	}
	return v.(model.Classification), nil
}

func (c *Classifier) classify(ctx context.Context, d model.Decision) (model.Classification, error) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	start := time.Now()
	raw, err := c.client.Complete(callCtx, []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: fmt.Sprintf("Decision title: %s\nDecision description: %s", d.Title, d.Description)},
	}, schema)
	c.metrics.ObserveProviderCall("classify", time.Since(start))
	if err != nil {
		return model.Classification{}, fmt.Errorf("classify decision %s: %w", d.ID, err)
	}

	var out struct {
		Categories   []string `json:"categories"`
		Keywords     []string `json:"keywords"`
		SemanticTags []string `json:"semantic_tags"`
	}
	if err := llm.DecodeJSON(raw, &out); err != nil {
		return model.Classification{}, fmt.Errorf("classify decision %s: %w", d.ID, err)
	}

	cls := model.Classification{
		DecisionID:   d.ID,
		Categories:   normalizeCategories(out.Categories),
		Keywords:     trigger.Normalize(out.Keywords),
		SemanticTags: trigger.Normalize(out.SemanticTags),
		ClassifiedAt: c.now(),
	}
	stored, created, err := c.store.Insert(ctx, &cls)
	if err != nil {
		return model.Classification{}, fmt.Errorf("store classification: %w", err)
	}
	if !created {
		c.log.Debug("classification already stored; using existing", "decision_id", d.ID)
	}
	return *stored, nil
}

// normalizeCategories 统一为小写下划线形式，便于与触发条件精确匹配。
func normalizeCategories(in []string) []string {
	out := make([]string, 0, len(in))
	for _, c := range in {
		c = strings.Join(strings.Fields(strings.ToLower(c)), "_")
		out = append(out, strings.ReplaceAll(c, "-", "_"))
	}
	return trigger.Normalize(out)
}
