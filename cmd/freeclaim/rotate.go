package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/MarcoPoloResearchLab/freeclaim/backend/internal/provider"
	"github.com/MarcoPoloResearchLab/freeclaim/backend/internal/vault"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var errRotationFailed = errors.New("key rotation failed")

func newRotateKeysCommand() *cobra.Command {
	var (
		targetVersion int
		providerName  string
	)
	cmd := &cobra.Command{
		Use:   "rotate-keys",
		Short: "Re-encrypt stored credentials under a new key version",
		RunE: func(cmd *cobra.Command, args []string) error {
			var p provider.Provider
			if providerName != "" {
				parsed, err := provider.Parse(providerName)
				if err != nil {
					return err
				}
				p = parsed
			}
			app, err := loadApplication()
			if err != nil {
				return err
			}
			defer app.Close() //nolint:errcheck
			return runRotateKeys(cmd.Context(), app.vault, targetVersion, p, cmd.OutOrStdout(), app.logger)
		},
	}
	cmd.Flags().IntVar(&targetVersion, "to", 0, "Target key version")
	cmd.Flags().StringVar(&providerName, "provider", "", "Only rotate credentials for this provider")
	if err := cmd.MarkFlagRequired("to"); err != nil {
		panic(err)
	}
	return cmd
}

type keyRotator interface {
	ListCredentialRefs(ctx context.Context, p provider.Provider) ([]vault.CredentialRef, error)
	RotateCredentialKey(ctx context.Context, userID string, p provider.Provider, newKeyVersion int) (vault.CredentialStatus, error)
}

// runRotateKeys rotates every record not already on targetVersion. One record's failure
// does not stop the run; the returned error reports how many failed.
func runRotateKeys(ctx context.Context, rotator keyRotator, targetVersion int, p provider.Provider, out io.Writer, logger *zap.Logger) error {
	if targetVersion < 1 {
		return fmt.Errorf("--to must be at least 1, got %d", targetVersion)
	}
	refs, err := rotator.ListCredentialRefs(ctx, p)
	if err != nil {
		return err
	}

	var rotated, skipped, failed int
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if ref.KeyVersion == targetVersion {
			skipped++
			continue
		}
		if _, err := rotator.RotateCredentialKey(ctx, ref.UserID, ref.Provider, targetVersion); err != nil {
			failed++
			logger.Error("credential rotation failed",
				zap.String("user_id", ref.UserID),
				zap.String("provider", ref.Provider.String()),
				zap.Int("from_version", ref.KeyVersion),
				zap.Int("to_version", targetVersion),
				zap.Error(err))
			continue
		}
		rotated++
	}

	fmt.Fprintf(out, "rotated=%d skipped=%d failed=%d\n", rotated, skipped, failed)
	if failed > 0 {
		return fmt.Errorf("%w: %d of %d records", errRotationFailed, failed, len(refs))
	}
	return nil
}
