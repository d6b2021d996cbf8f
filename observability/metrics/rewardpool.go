package metrics

import (
	"math/big"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type RewardPoolMetrics struct {
	operations     *prometheus.CounterVec
	totalPrincipal prometheus.Gauge
	rewardIndex    prometheus.Gauge
	emitted        prometheus.Gauge
	forfeited      prometheus.Gauge
	claimed        prometheus.Counter
	roundOpen      prometheus.Gauge
	emergency      prometheus.Gauge
}

var (
	rewardPoolOnce     sync.Once
	rewardPoolRegistry *RewardPoolMetrics
)

// RewardPool returns the process wide reward pool collectors.
func RewardPool() *RewardPoolMetrics {
	rewardPoolOnce.Do(func() {
		rewardPoolRegistry = &RewardPoolMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "rewardpool_operations_total",
				Help: "Count of pool operations by name and outcome.",
			}, []string{"op", "result"}),
			totalPrincipal: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "rewardpool_total_principal",
				Help: "Principal currently staked in the pool.",
			}),
			rewardIndex: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "rewardpool_reward_index",
				Help: "Cumulative reward per unit of principal, unscaled.",
			}),
			emitted: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "rewardpool_emitted_reward",
				Help: "Reward distributed to the index since the round opened.",
			}),
			forfeited: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "rewardpool_forfeited_reward",
				Help: "Reward emitted while no principal was staked.",
			}),
			claimed: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "rewardpool_claimed_reward_total",
				Help: "Reward paid out to participants.",
			}),
			roundOpen: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "rewardpool_round_open",
				Help: "1 while the round accepts principal.",
			}),
			emergency: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "rewardpool_emergency",
				Help: "1 while the emergency flag is raised.",
			}),
		}
		prometheus.MustRegister(
			rewardPoolRegistry.operations,
			rewardPoolRegistry.totalPrincipal,
			rewardPoolRegistry.rewardIndex,
			rewardPoolRegistry.emitted,
			rewardPoolRegistry.forfeited,
			rewardPoolRegistry.claimed,
			rewardPoolRegistry.roundOpen,
			rewardPoolRegistry.emergency,
		)
	})
	return rewardPoolRegistry
}

func (m *RewardPoolMetrics) ObserveOperation(op string, err error) {
	if m == nil {
		return
	}
	if op == "" {
		op = "unknown"
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.operations.WithLabelValues(op, result).Inc()
}

// RecordState mirrors the committed round into the gauges. index is the raw
// fixed-point value and scale its precision.
func (m *RewardPoolMetrics) RecordState(principal, index, scale, emitted, forfeited *big.Int, open, emergency bool) {
	if m == nil {
		return
	}
	m.totalPrincipal.Set(bigToFloat(principal))
	if scale != nil && scale.Sign() > 0 && index != nil {
		ratio, _ := new(big.Float).Quo(new(big.Float).SetInt(index), new(big.Float).SetInt(scale)).Float64()
		m.rewardIndex.Set(ratio)
	}
	m.emitted.Set(bigToFloat(emitted))
	m.forfeited.Set(bigToFloat(forfeited))
	m.roundOpen.Set(boolToFloat(open))
	m.emergency.Set(boolToFloat(emergency))
}

func (m *RewardPoolMetrics) AddClaimed(amount *big.Int) {
	if m == nil || amount == nil || amount.Sign() <= 0 {
		return
	}
	m.claimed.Add(bigToFloat(amount))
}

func bigToFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}

func boolToFloat(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
