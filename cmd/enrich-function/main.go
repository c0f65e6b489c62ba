package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/Lllllllleong/documentshelf/internal/enrichfn"
)

var (
	enrichInstance *enrichfn.Function
	once           sync.Once
	initErr        error
)

func init() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Register the CloudEvent function. The framework routes the GCS
	// object-finalize event here.
	functions.CloudEvent("EnrichDocument", enrichDocument)
}

// main is required by the Go Functions Framework.
func main() {}

// enrichDocument is the Cloud Function entry point.
func enrichDocument(ctx context.Context, e cloudevents.Event) error {
	once.Do(func() {
		enrichInstance, initErr = enrichfn.New(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
		return initErr
	}

	var gcsEvent enrichfn.GCSEvent
	if err := json.Unmarshal(e.Data(), &gcsEvent); err != nil {
		slog.Error("Failed to unmarshal event data", "error", err, "data", string(e.Data()))
		return fmt.Errorf("json.Unmarshal: %w", err)
	}

	return enrichInstance.Process(ctx, gcsEvent)
}
