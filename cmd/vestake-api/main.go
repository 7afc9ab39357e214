package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/vestake/internal/accounts"
	"github.com/MarcoPoloResearchLab/vestake/internal/auth"
	"github.com/MarcoPoloResearchLab/vestake/internal/config"
	"github.com/MarcoPoloResearchLab/vestake/internal/database"
	"github.com/MarcoPoloResearchLab/vestake/internal/epoch"
	"github.com/MarcoPoloResearchLab/vestake/internal/events"
	"github.com/MarcoPoloResearchLab/vestake/internal/logging"
	"github.com/MarcoPoloResearchLab/vestake/internal/rewards"
	"github.com/MarcoPoloResearchLab/vestake/internal/server"
	"github.com/MarcoPoloResearchLab/vestake/internal/staking"
	"github.com/MarcoPoloResearchLab/vestake/internal/token"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	tokenIssuerName   = "vestake-api"
	tokenAudienceName = "vestake"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "vestake-api",
		Short: "Staking ledger and reward distribution service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Caller token signing secret (overrides env)")
	cmd.PersistentFlags().Int64("epoch-start", defaults.GetInt64("epoch.start_s"), "Epoch clock start, unix seconds")
	cmd.PersistentFlags().Int64("epoch-length", defaults.GetInt64("epoch.length_s"), "Epoch length in seconds")
	cmd.PersistentFlags().String("reward-engine-id", defaults.GetString("rewards.engine_id"), "Reward engine identifier")
	cmd.PersistentFlags().String("reward-symbol", "", "Reward asset symbol")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "epoch.start_s", "epoch-start")
	bindFlag(cmd, "epoch.length_s", "epoch-length")
	bindFlag(cmd, "rewards.engine_id", "reward-engine-id")
	bindFlag(cmd, "rewards.symbol", "reward-symbol")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

// newTokenCommand mints caller JWTs for out-of-band provisioning. There is
// no self-service issuance endpoint; operators hand tokens to accounts.
func newTokenCommand() *cobra.Command {
	var roles []string
	cmd := &cobra.Command{
		Use:   "token <account>",
		Short: "Issue a caller token for an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			account, err := accounts.NewAddress(args[0])
			if err != nil {
				return err
			}
			issuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.AuthSigningKey),
				Issuer:        tokenIssuerName,
				Audience:      tokenAudienceName,
			})
			signed, expiresIn, err := issuer.IssueCallerToken(account.String(), roles)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\nexpires_in_s: %d\n", signed, expiresIn)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&roles, "role", nil, "Role to grant (repeatable, e.g. admin)")
	return cmd
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	epochClock, err := epoch.NewClock(appConfig.EpochStartSec, appConfig.EpochLengthSec)
	if err != nil {
		return err
	}

	dispatcher := events.NewDispatcher()
	tokens, err := token.NewService(token.ServiceConfig{Database: db, Clock: time.Now})
	if err != nil {
		return err
	}
	registry := accounts.NewRegistry(time.Now)
	ledger, err := staking.NewService(staking.ServiceConfig{
		Database: db,
		Tokens:   tokens,
		Registry: registry,
		Events:   dispatcher,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	if err := exemptStakingCustody(db, tokens); err != nil {
		logger.Warn("staking custody fee exemption failed", zap.Error(err))
	}

	engines := map[string]*rewards.Engine{}
	if appConfig.RewardSymbol != "" {
		rewardSymbol, err := token.NewSymbol(appConfig.RewardSymbol)
		if err != nil {
			return err
		}
		engine, err := rewards.NewEngine(rewards.EngineConfig{
			EngineID:     appConfig.RewardEngineID,
			Database:     db,
			Ledger:       ledger,
			Tokens:       tokens,
			RewardSymbol: rewardSymbol,
			Clock:        epochClock,
			Events:       dispatcher,
			Logger:       logger,
			MinReward:    appConfig.RewardMinReward,
			MinEpochs:    appConfig.RewardMinEpochs,
			MaxEpochs:    appConfig.RewardMaxEpochs,
		})
		if err != nil {
			return err
		}
		if err := ledger.AddSettler(engine); err != nil {
			return err
		}
		engines[engine.ID()] = engine
		if err := exemptCustody(db, tokens, rewardSymbol, engine.CustodyAccount()); err != nil {
			logger.Warn("custody fee exemption failed", zap.Error(err))
		}
	}

	validator, err := auth.NewCallerValidator(auth.CallerValidatorConfig{
		SigningSecret: []byte(appConfig.AuthSigningKey),
		Issuer:        tokenIssuerName,
		Audience:      tokenAudienceName,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Staking:   ledger,
		Tokens:    tokens,
		Engines:   engines,
		Validator: validator,
		Events:    dispatcher,
		Clock:     epochClock,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.Int64("epoch_length_s", appConfig.EpochLengthSec))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// exemptCustody keeps custody legs whole when the asset charges transfer
// fees. Registered assets only; a missing asset is not an error at boot.
func exemptCustody(db *gorm.DB, tokens *token.Service, symbol token.Symbol, account string) error {
	err := db.Transaction(func(tx *gorm.DB) error {
		return tokens.SetExempt(tx, symbol, account, true)
	})
	if errors.Is(err, token.ErrUnknownAsset) {
		return nil
	}
	return err
}

// exemptStakingCustody marks the staking custody account fee-exempt for
// every registered asset so deposits and withdrawals move exact amounts.
func exemptStakingCustody(db *gorm.DB, tokens *token.Service) error {
	var assets []token.Asset
	if err := db.Find(&assets).Error; err != nil {
		return err
	}
	return db.Transaction(func(tx *gorm.DB) error {
		for _, asset := range assets {
			if err := tokens.SetExempt(tx, token.Symbol(asset.Symbol), staking.CustodyAccount, true); err != nil {
				return err
			}
		}
		return nil
	})
}
