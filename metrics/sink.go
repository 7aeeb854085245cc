package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	logger "github.com/sirupsen/logrus"
)

// Sink carries every metric the bridge emits. It is created once at
// startup and handed to components; a nil *Sink is valid and drops all
// observations, which keeps tests free of registry plumbing.
type Sink struct {
	registry *prometheus.Registry

	DepositsProcessed      prometheus.Counter
	WithdrawalsAuthorized  prometheus.Counter
	WithdrawalsDiscarded   *prometheus.CounterVec
	RelaysSucceeded        prometheus.Counter
	RelaysFailed           prometheus.Counter
	RewardsEarned          prometheus.Counter
	StakeAmount            prometheus.Gauge
	PoolAvailable          *prometheus.GaugeVec
	PoolLocked             *prometheus.GaugeVec
	EngineTicks            prometheus.Counter
	GossipMessagesReceived *prometheus.CounterVec
}

func NewSink(namespace string) *Sink {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Sink{
		registry: registry,
		DepositsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deposits_processed_total",
			Help:      "Deposits settled into the shielded pool",
		}),
		WithdrawalsAuthorized: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "withdrawals_authorized_total",
			Help:      "Withdrawals signed for execution",
		}),
		WithdrawalsDiscarded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "withdrawals_discarded_total",
			Help:      "Withdrawals terminally rejected",
		}, []string{"reason"}),
		RelaysSucceeded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relays_succeeded_total",
			Help:      "Withdrawal transactions confirmed on chain",
		}),
		RelaysFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relays_failed_total",
			Help:      "Withdrawal transactions that failed or timed out",
		}),
		RewardsEarned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rewards_earned_total",
			Help:      "Relay fee rewards claimed, in base units",
		}),
		StakeAmount: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stake_amount",
			Help:      "Currently staked amount, in base units",
		}),
		PoolAvailable: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_available",
			Help:      "Available liquidity per pool, in base units",
		}, []string{"chain", "token"}),
		PoolLocked: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_locked",
			Help:      "Locked liquidity per pool, in base units",
		}, []string{"chain", "token"}),
		EngineTicks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_ticks_total",
			Help:      "Processing loop iterations",
		}),
		GossipMessagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gossip_messages_received_total",
			Help:      "Gossip messages received from peers",
		}, []string{"type"}),
	}
}

func (s *Sink) IncDepositsProcessed() {
	if s != nil {
		s.DepositsProcessed.Inc()
	}
}

func (s *Sink) IncWithdrawalsAuthorized() {
	if s != nil {
		s.WithdrawalsAuthorized.Inc()
	}
}

func (s *Sink) IncWithdrawalsDiscarded(reason string) {
	if s != nil {
		s.WithdrawalsDiscarded.WithLabelValues(reason).Inc()
	}
}

func (s *Sink) IncRelaysSucceeded() {
	if s != nil {
		s.RelaysSucceeded.Inc()
	}
}

func (s *Sink) IncRelaysFailed() {
	if s != nil {
		s.RelaysFailed.Inc()
	}
}

func (s *Sink) AddRewardsEarned(v float64) {
	if s != nil {
		s.RewardsEarned.Add(v)
	}
}

func (s *Sink) SetStakeAmount(v float64) {
	if s != nil {
		s.StakeAmount.Set(v)
	}
}

func (s *Sink) SetPoolBalances(chain, token string, available, locked float64) {
	if s != nil {
		s.PoolAvailable.WithLabelValues(chain, token).Set(available)
		s.PoolLocked.WithLabelValues(chain, token).Set(locked)
	}
}

func (s *Sink) IncEngineTicks() {
	if s != nil {
		s.EngineTicks.Inc()
	}
}

func (s *Sink) IncGossipMessages(msgType string) {
	if s != nil {
		s.GossipMessagesReceived.WithLabelValues(msgType).Inc()
	}
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (s *Sink) Serve(ctx context.Context, addr string) error {
	if s == nil || addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.WithField("addr", addr).Info("metrics endpoint up")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
