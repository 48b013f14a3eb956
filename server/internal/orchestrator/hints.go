package orchestrator

import (
	"strings"

	"github.com/dawsonblock/ISLAND/server/internal/model"
	"github.com/dawsonblock/ISLAND/server/internal/speech"
)

// HintsForTurn 只从轮次元数据归约出播放参数，不触发外部调用。
// 约定的元数据键：emotion、intensity、volume、attenuationRadius、position{x,y,z}。
// 元数据可能来自 JSON（float64）或 msgpack（各种整数宽度），数值统一转换。
// 元数据没有 emotion 时按 NPC 动作推断语气。
func HintsForTurn(turn model.Turn) speech.SpatialHints {
	var h speech.SpatialHints
	h.Emotion = actionEmotion[turn.Action]
	md := turn.Metadata
	if md == nil {
		return h
	}
	if s, ok := md["emotion"].(string); ok && strings.TrimSpace(s) != "" {
		h.Emotion = strings.ToLower(strings.TrimSpace(s))
	}
	if f, ok := number(md["intensity"]); ok && f > 0 {
		h.Intensity = f
	}
	if f, ok := number(md["volume"]); ok && f >= 0 {
		h.Volume = f
	}
	if f, ok := number(md["attenuationRadius"]); ok && f > 0 {
		h.AttenuationRadius = f
	}
	if pos, ok := md["position"].(map[string]any); ok {
		h.Position.X, _ = number(pos["x"])
		h.Position.Y, _ = number(pos["y"])
		h.Position.Z, _ = number(pos["z"])
	}
	return h
}

var actionEmotion = map[model.NPCAction]string{
	model.ActionAttack:   "anger",
	model.ActionThreaten: "anger",
	model.ActionFlee:     "fear",
	model.ActionGreet:    "joy",
	model.ActionHelp:     "joy",
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
