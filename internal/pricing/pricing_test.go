package pricing

import "testing"

func TestEstimateCost_KnownModel(t *testing.T) {
	cost := EstimateCost("gpt-4o", 1000, 500)
	if cost < 0.007 || cost > 0.008 {
		t.Fatalf("expected ~0.0075, got %f", cost)
	}
}

func TestEstimateCost_UnknownModel(t *testing.T) {
	cost := EstimateCost("unknown-model-xyz", 1000, 500)
	if cost != 0.0 {
		t.Fatalf("expected 0.0 for unknown model, got %f", cost)
	}
}

func TestEstimateCost_FreeBackends(t *testing.T) {
	if cost := EstimateCost("ollama:llama3.2", 1000000, 1000000); cost != 0.0 {
		t.Fatalf("expected 0.0 for local model, got %f", cost)
	}
	if cost := EstimateCost("copilot:gpt-4o", 1000000, 1000000); cost != 0.0 {
		t.Fatalf("expected 0.0 for subscription model, got %f", cost)
	}
}

func TestEstimateCost_ProviderPrefixStripped(t *testing.T) {
	direct := EstimateCost("gpt-4o-mini", 1000000, 1000000)
	routed := EstimateCost("azure:gpt-4o-mini", 1000000, 1000000)
	if direct != routed {
		t.Fatalf("prefixed route priced %f, direct %f", routed, direct)
	}
	if direct != 0.15+0.60 {
		t.Fatalf("expected 0.75, got %f", direct)
	}
}
