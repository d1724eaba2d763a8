package pipeline

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/ubikampus/ubilocation-client/internal/pipeline"

func meter() metric.Meter {
	return otel.Meter(instrumentationName)
}
