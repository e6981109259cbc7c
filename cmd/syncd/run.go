package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"offgrid/internal/bootstrap"
	"offgrid/internal/config"
	"offgrid/internal/crypto"
	"offgrid/internal/history"
	"offgrid/internal/models"
	"offgrid/internal/p2p"
	"offgrid/internal/profile"
	"offgrid/internal/queue"
	"offgrid/internal/storage"
	"offgrid/internal/syncer"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the sync node and keep it running until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		pass, err := passphrase()
		if err != nil {
			return err
		}
		logger, remote, err := newLogger(cfg.Log)
		if err != nil {
			return err
		}
		defer func() {
			_ = logger.Sync()
			if remote != nil {
				_ = remote.Close()
			}
		}()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runNode(ctx, cfg, pass, logger)
	},
}

func runNode(ctx context.Context, cfg *config.Config, pass string, logger *zap.Logger) error {
	kv, err := storage.Open(cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer kv.Close()

	id, err := profile.LoadOrGenerateIdentity(ctx, kv, pass)
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	signer, err := crypto.NewEd25519Signer(id.Keybag.Libp2pPriv)
	if err != nil {
		return err
	}
	cipher, err := crypto.NewLocalProvider(signer, id.Keybag.StorageKey)
	if err != nil {
		return err
	}

	node, err := p2p.NewNode(ctx, id.Keybag.Libp2pPriv, cfg.Network.ListenAddrs, logger)
	if err != nil {
		return err
	}
	defer node.Close()
	if err := node.InitDHT(); err != nil {
		return err
	}
	if err := node.InitPubSub(); err != nil {
		return err
	}
	logger.Info("node listening", zap.String("peer", node.ID()), zap.Strings("addrs", node.Addrs()))

	q := queue.New(kv, cfg.Queue, logger)
	if err := q.Initialize(ctx); err != nil {
		return err
	}
	defer q.Destroy()

	msgs, err := history.New(kv, cipher, id.PeerID, cfg.Messages, logger)
	if err != nil {
		return err
	}
	if err := msgs.Initialize(ctx); err != nil {
		return err
	}
	defer msgs.Destroy()

	profiles := profile.NewRepository(kv, id.PeerID, logger)

	coord := bootstrap.New(kv, node, cfg.Bootstrap, logger)
	if err := coord.Initialize(ctx); err != nil {
		return err
	}

	orch, err := syncer.New(syncer.Deps{
		Queue:        q,
		Messages:     msgs,
		Profiles:     profiles,
		Network:      node,
		Publisher:    node,
		Connectivity: node,
		Peers:        coord,
		LocalID:      id.PeerID,
		LocalDID:     id.DID,
	}, cfg.Queue.SyncInterval, logger)
	if err != nil {
		return err
	}

	inbound := syncer.NewInbound(msgs, profiles, logger)
	inbound.OnLike(func(from string, like models.LikePayload) {
		logger.Info("like received", zap.String("from", from))
	})
	inbound.OnMatch(func(from string, match models.MatchPayload) {
		logger.Info("match received", zap.String("from", from), zap.String("match", match.MatchID))
	})
	node.SetHandler(inbound)
	if err := node.SubscribeProfiles(ctx, inbound.HandleProfileAnnouncement); err != nil {
		return err
	}

	if _, err := coord.CheckHealth(ctx); err != nil {
		logger.Warn("initial bootstrap failed, running offline", zap.Error(err))
	}
	if err := node.Advertise(ctx, cfg.Bootstrap.Rendezvous); err != nil {
		logger.Debug("rendezvous advertise failed", zap.Error(err))
	}
	if _, err := orch.HandleConnectivityChange(ctx, node.ConnectionCount() > 0); err != nil {
		logger.Warn("initial sync failed", zap.Error(err))
	}

	coord.StartHealthCheck(ctx)
	orch.Start(ctx)
	logger.Info("sync node running", zap.Int("peers", node.ConnectionCount()))

	<-ctx.Done()
	logger.Info("shutting down")
	orch.Stop()
	coord.Stop()
	return nil
}
