package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"pipeline-service/internal/apperr"
	"pipeline-service/internal/connector"
	"pipeline-service/internal/entity"
)

const destinationNone = "none"

type DestinationResolver interface {
	Destination(name string) (connector.Destination, error)
}

type Loading struct {
	destinations DestinationResolver
	status       StatusLog
	counter      Completion
	log          *slog.Logger
}

func NewLoading(destinations DestinationResolver, status StatusLog, counter Completion, logger *slog.Logger) *Loading {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loading{destinations: destinations, status: status, counter: counter, log: logger}
}

func (x *Loading) Decode(values map[string]any) (entity.LoadingTask, error) {
	return entity.ParseLoadingTask(values)
}

// Process writes the item to its destination, records it and counts it as
// done. A retry after the item was recorded only repeats the count.
func (x *Loading) Process(ctx context.Context, t entity.LoadingTask) (map[string]any, error) {
	log := x.log.With("job_id", t.TaskID, "sub_item", t.SubItem)

	recorded, err := x.status.ItemRecorded(ctx, t.TaskID, t.SubItem)
	if err != nil {
		return nil, err
	}

	name := strings.ToLower(strings.TrimSpace(t.Destination.Type))
	if name == "" {
		name = destinationNone
	}
	item := entity.ItemResult{SubItem: t.SubItem, Destination: name, Schemas: t.Results}

	if !recorded {
		if name != destinationNone {
			dest, err := x.destinations.Destination(name)
			if err != nil {
				return nil, apperr.InvalidConfiguration("loading destination", err)
			}
			loc, err := dest.Write(ctx, Batch(t))
			if err != nil {
				return nil, apperr.Handler(fmt.Sprintf("write to %s", name), err)
			}
			item.Location = loc
		}

		raw, err := json.Marshal(item)
		if err != nil {
			return nil, err
		}
		if _, err := x.status.AppendItemOnce(ctx, t.TaskID, t.SubItem, entity.StatusCompleted, raw, ""); err != nil {
			return nil, err
		}
	} else {
		log.Info("[loading] item already recorded, counting only")
	}

	terminal, err := x.counter.Complete(ctx, t.TaskID, t.SubItem, false)
	if err != nil {
		return nil, err
	}
	log.Info("[loading] done", "destination", name, "location", item.Location, "elapsed_ms", t.ElapsedMS, "job_finished", terminal)
	return nil, nil
}

// Batch converts a loading task to a connector batch. Metrics that decode to
// a JSON object become the row; anything else lands in a "metrics" column.
func Batch(t entity.LoadingTask) connector.Batch {
	b := connector.Batch{
		TaskID:          t.TaskID,
		SubItem:         t.SubItem,
		DataLocation:    t.Destination.DataLocation,
		OutputFilename:  t.Destination.OutputFilename,
		ColumnLocations: t.Destination.ColumnLocations[t.Destination.DataLocation],
	}
	for _, r := range t.Results {
		var values map[string]any
		if err := json.Unmarshal([]byte(r.Metrics), &values); err != nil || values == nil {
			values = map[string]any{"metrics": r.Metrics}
		}
		b.Rows = append(b.Rows, connector.Row{SchemaID: r.SchemaID, Values: values})
	}
	return b
}
