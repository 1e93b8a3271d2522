package theme

import "crisis-drill/server/internal/model"

// Robustness 会话应对态势的粗粒度评估，用于生成时的升级/降级倾向。
type Robustness string

const (
	RobustnessLow    Robustness = "low"
	RobustnessMedium Robustness = "medium"
	RobustnessHigh   Robustness = "high"
)

// InferRobustness 结合最新态势快照与目标进度推断稳健度。
// 没有快照也没有目标时返回 medium。
func InferRobustness(snapshot *model.EscalationSnapshot, objectives []model.ObjectiveProgress) Robustness {
	escalating, deescalating := 0, 0
	if snapshot != nil {
		escalating = len(snapshot.Factors)
		deescalating = len(snapshot.DeEscalationFactors)
	}
	progress := -1.0
	if len(objectives) > 0 {
		sum := 0.0
		for _, o := range objectives {
			sum += o.Progress
		}
		progress = sum / float64(len(objectives))
	}

	if escalating-deescalating >= 2 || (progress >= 0 && progress < 30) {
		return RobustnessLow
	}
	if deescalating > escalating && (progress < 0 || progress >= 60) {
		return RobustnessHigh
	}
	return RobustnessMedium
}
