package telemetry

import "github.com/prometheus/client_golang/prometheus"

const stagecastNamespace string = "stagecast"

var (
	promSessionTotal     prometheus.Gauge
	promRoomTotal        prometheus.Gauge
	promParticipantTotal prometheus.Gauge
	promCompositionTotal prometheus.Gauge

	ServiceOperationCounter *prometheus.CounterVec
)

func init() {
	promSessionTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: stagecastNamespace,
		Subsystem: "session",
		Name:      "total",
	})

	promRoomTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: stagecastNamespace,
		Subsystem: "room",
		Name:      "total",
	})

	promParticipantTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: stagecastNamespace,
		Subsystem: "participant",
		Name:      "total",
	})

	promCompositionTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: stagecastNamespace,
		Subsystem: "composition",
		Name:      "total",
	})

	ServiceOperationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: stagecastNamespace,
			Subsystem: "node",
			Name:      "service_operation",
		},
		[]string{"type", "status", "error_type"},
	)

	prometheus.MustRegister(promSessionTotal)
	prometheus.MustRegister(promRoomTotal)
	prometheus.MustRegister(promParticipantTotal)
	prometheus.MustRegister(promCompositionTotal)
	prometheus.MustRegister(ServiceOperationCounter)
}

func SessionStarted() {
	promSessionTotal.Inc()
}

func SessionStopped() {
	promSessionTotal.Dec()
}

func RoomOpened() {
	promRoomTotal.Inc()
}

func RoomClosed() {
	promRoomTotal.Dec()
}

func ParticipantJoined() {
	promParticipantTotal.Inc()
}

func ParticipantLeft() {
	promParticipantTotal.Dec()
}

func CompositionStarted() {
	promCompositionTotal.Inc()
}

func CompositionStopped() {
	promCompositionTotal.Dec()
}
