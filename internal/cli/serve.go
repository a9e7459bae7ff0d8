package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/spf13/cobra"

	"github.com/EJRDeGuia/stars-archive-gateway-sub001/internal/gateway"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(root *rootOptions) *cobra.Command {
	var address string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the upload gateway HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(root)
			if err != nil {
				return err
			}
			if address == "" {
				address = a.config.Gateway.Address
			}

			ctx := cmd.Context()
			coordinator, err := a.coordinator(ctx, true)
			defer a.close(coordinator)
			if err != nil {
				return err
			}

			// Uploads are stopped through the coordinator on shutdown, not by cancelling their context
			server := gateway.NewServer(context.WithoutCancel(ctx), coordinator, pathutil.NewPathProvider(), a.logger, gateway.Config{
				Mode:          a.config.Gateway.Mode,
				MaxUploadSize: a.config.Gateway.MaxUploadSize,
			})
			httpServer := &http.Server{
				Addr:              address,
				Handler:           server.Router(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			serveErr := make(chan error, 1)
			go func() {
				a.logger.Infof("Gateway listening on %s", address)
				serveErr <- httpServer.ListenAndServe()
			}()

			select {
			case err := <-serveErr:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("serve: %w", err)
				}
				return nil
			case <-ctx.Done():
			}

			a.logger.Infof("Shutting down gateway")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			for _, id := range coordinator.ListActive() {
				coordinator.Cancel(id)
			}
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				a.logger.Warnf("Failed to shut down gracefully: %s", err)
			}
			server.Wait()
			a.logger.Donef("Gateway stopped")
			return nil
		},
	}
	cmd.Flags().StringVarP(&address, "address", "a", "", "Listen address (default: gateway.address of the configuration)")
	return cmd
}
