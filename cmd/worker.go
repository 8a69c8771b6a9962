package cmd

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spigell/cv-matcher/internal/logger"
	"github.com/spigell/cv-matcher/internal/queue"
	"github.com/spigell/cv-matcher/internal/secrets"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume analysis requests from RabbitMQ and publish status updates",
	Run: func(_ *cobra.Command, _ []string) {
		work()
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func work() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := logger.New(viper.GetBool("json"), viper.GetBool("debug"))
	if err != nil {
		log.Fatalf("creating a logger: %s", err)
	}
	defer logger.Sync()

	config, err := getConfig()
	if err != nil {
		logger.Fatal("getting a config", zap.Error(err))
	}

	logger.Info("starting the cv-matcher worker", zap.String("version", version))

	url, err := secrets.Load(secrets.Source{
		Name:  "amqp url",
		Value: config.Worker.AMQPURL,
		Env:   "AMQP_URL",
	})
	if err != nil {
		logger.Fatal("loading amqp url", zap.Error(err), zap.String("hint", "set worker.amqp-url or AMQP_URL"))
	}

	documents, err := newS3(ctx, config.Worker.Documents)
	if err != nil {
		logger.Fatal("building document store", zap.Error(err))
	}

	p, err := newPipeline(ctx, config, logger)
	if err != nil {
		logger.Fatal("building pipeline", zap.Error(err))
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		logger.Fatal("connecting to rabbitmq", zap.Error(err))
	}
	defer conn.Close()

	publisher, err := queue.NewAMQPPublisher(conn, config.Worker.Exchange)
	if err != nil {
		logger.Fatal("declaring update exchange", zap.Error(err))
	}
	defer publisher.Close()

	handler := queue.NewHandler(p, documents, publisher, logger)
	consumer := queue.NewConsumer(conn, config.Worker.Queue, config.Worker.Concurrency, handler, logger)

	if err := consumer.Run(ctx); err != nil {
		logger.Error("consumer stopped", zap.Error(err))
		return
	}

	logger.Info("worker stopped")
}
