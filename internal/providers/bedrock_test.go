package providers

import (
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

func TestMetadataPayloadForwardsCacheTokens(t *testing.T) {
	m := brtypes.ConverseStreamMetadataEvent{
		Usage: &brtypes.TokenUsage{
			InputTokens:           aws.Int32(100),
			OutputTokens:          aws.Int32(50),
			TotalTokens:           aws.Int32(150),
			CacheReadInputTokens:  aws.Int32(1000),
			CacheWriteInputTokens: aws.Int32(0),
		},
		Metrics: &brtypes.ConverseStreamMetrics{LatencyMs: aws.Int64(1200)},
	}

	payload := metadataPayload(m)
	usage, ok := payload["usage"].(map[string]any)
	if !ok {
		t.Fatalf("usage missing: %v", payload)
	}
	if usage["inputTokens"] != 100 || usage["outputTokens"] != 50 || usage["totalTokens"] != 150 {
		t.Errorf("base counts wrong: %v", usage)
	}
	if usage["cacheReadInputTokens"] != 1000 {
		t.Errorf("cacheReadInputTokens = %v, want 1000", usage["cacheReadInputTokens"])
	}
	// An explicit zero is still a report; consumers distinguish it from
	// an absent field.
	if v, ok := usage["cacheWriteInputTokens"]; !ok || v != 0 {
		t.Errorf("explicit zero cacheWrite dropped: %v", usage)
	}
	metrics, _ := payload["metrics"].(map[string]any)
	if metrics["latencyMs"] != int64(1200) {
		t.Errorf("latencyMs = %v", metrics["latencyMs"])
	}
}

func TestMetadataPayloadOmitsUnreportedCacheTokens(t *testing.T) {
	m := brtypes.ConverseStreamMetadataEvent{
		Usage: &brtypes.TokenUsage{
			InputTokens:  aws.Int32(10),
			OutputTokens: aws.Int32(5),
			TotalTokens:  aws.Int32(15),
		},
	}

	usage := metadataPayload(m)["usage"].(map[string]any)
	if _, ok := usage["cacheReadInputTokens"]; ok {
		t.Errorf("absent cacheRead forwarded: %v", usage)
	}
	if _, ok := usage["cacheWriteInputTokens"]; ok {
		t.Errorf("absent cacheWrite forwarded: %v", usage)
	}
}
