package estimator

import (
	"math"
	"testing"
	"time"

	"bridgewatch/internal/domain"
)

var atalSetu = domain.Asset{ID: "b5", BaselineFrequency: 4.0, BaselineAmplitude: 0.005}

func TestCandidateDominatedByAmplitude(t *testing.T) {
	e := New(DefaultOptions())
	res := e.Estimate(domain.Sample{Frequency: 2.1, Amplitude: 0.045}, atalSetu, domain.InitialState())

	if res.AmplitudeDeviation*e.Options().AmplitudeWeight <= res.FrequencyDeviation*e.Options().FrequencyWeight {
		t.Fatalf("振幅项应主导惩罚: %+v", res)
	}
	if res.Candidate < 20 || res.Candidate > 35 {
		t.Fatalf("candidate = %.2f, want 20..35", res.Candidate)
	}
	if res.Alpha != 1 || res.Score != res.Candidate {
		t.Fatalf("首个样本应直接采用候选分: %+v", res)
	}
}

func TestQuieterBridgeNotPenalised(t *testing.T) {
	e := New(DefaultOptions())
	res := e.Estimate(domain.Sample{Frequency: 4.0, Amplitude: 0.001}, atalSetu, domain.InitialState())
	if res.Candidate != 100 {
		t.Fatalf("振幅降低不应扣分, candidate = %v", res.Candidate)
	}
}

func TestAlphaRisesWithSampleCount(t *testing.T) {
	e := New(DefaultOptions())
	if a := e.Alpha(1); math.Abs(a-0.1) > 1e-9 {
		t.Fatalf("alpha(1) = %v, want 0.1", a)
	}
	prev := e.Alpha(1)
	for n := int64(2); n < 500; n++ {
		a := e.Alpha(n)
		if a < prev {
			t.Fatalf("alpha 应单调递增: alpha(%d)=%v < %v", n, a, prev)
		}
		if a >= 0.5 {
			t.Fatalf("alpha 不应达到 0.5: alpha(%d)=%v", n, a)
		}
		prev = a
	}
	if prev < 0.49 {
		t.Fatalf("alpha 应渐近 0.5, 实际 %v", prev)
	}
}

func TestEstimateStaysInRangeAndIsDeterministic(t *testing.T) {
	samples := []domain.Sample{
		{Frequency: 4.0, Amplitude: 0.005},
		{Frequency: 0.1, Amplitude: 5},
		{Frequency: 40, Amplitude: 0},
		{Frequency: 3.9, Amplitude: 0.006},
		{Frequency: 2.0, Amplitude: 0.5},
		{Frequency: 4.1, Amplitude: 0.004},
	}

	run := func() []Result {
		e := New(DefaultOptions())
		state := domain.InitialState()
		base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		var out []Result
		for i := 0; i < 60; i++ {
			s := samples[i%len(samples)]
			res := e.Estimate(s, atalSetu, state)
			state.SHI = res.Score
			state.Confidence = res.Confidence
			state.SampleCount++
			state.History = append(state.History, domain.HistoryPoint{Timestamp: base.Add(time.Duration(i) * time.Minute), SHI: res.Score})
			if len(state.History) > 32 {
				state.History = state.History[1:]
			}
			out = append(out, res)
		}
		return out
	}

	first := run()
	second := run()
	for i := range first {
		r := first[i]
		if r.Score < 0 || r.Score > 100 {
			t.Fatalf("score 越界: %v", r.Score)
		}
		if r.Confidence < 0 || r.Confidence > 0.99 {
			t.Fatalf("confidence 越界: %v", r.Confidence)
		}
		if math.Float64bits(r.Score) != math.Float64bits(second[i].Score) ||
			math.Float64bits(r.Confidence) != math.Float64bits(second[i].Confidence) {
			t.Fatalf("第 %d 步结果不一致: %+v vs %+v", i, r, second[i])
		}
	}
}

func TestConfidenceGrowsWithAgreement(t *testing.T) {
	e := New(DefaultOptions())
	steady := domain.BaselineState{SHI: 95, SampleCount: 100}
	noisy := domain.BaselineState{SHI: 95, SampleCount: 100}
	for i := 0; i < 20; i++ {
		steady.History = append(steady.History, domain.HistoryPoint{SHI: 95})
		v := 95.0
		if i%2 == 0 {
			v = 40
		}
		noisy.History = append(noisy.History, domain.HistoryPoint{SHI: v})
	}
	sample := domain.Sample{Frequency: 4.0, Amplitude: 0.005}

	a := e.Estimate(sample, atalSetu, steady).Confidence
	b := e.Estimate(sample, atalSetu, noisy).Confidence
	if a <= b {
		t.Fatalf("低方差应有更高置信度: steady=%v noisy=%v", a, b)
	}

	few := e.Estimate(sample, atalSetu, domain.BaselineState{SHI: 95, SampleCount: 1}).Confidence
	if few >= a {
		t.Fatalf("样本少时置信度应更低: few=%v steady=%v", few, a)
	}
}
