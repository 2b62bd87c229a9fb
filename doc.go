// Package resq provides a resilient RabbitMQ queue consumer.
//
// A Consumer owns the full broker lifecycle: it rotates through the
// configured endpoints, reconnects with linear backoff, declares the
// exchange, queue, and binding, and subscribes with a prefetch of one so
// the processing function is never flooded. Each delivery produces exactly
// one terminal acknowledgment: ack on success, nack on retryable or
// unexpected failures, reject after quarantining unprocessable messages,
// or reject-with-requeue when the quarantine path itself is down.
//
//	cfg, err := config.Load("consumer.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//	sink, err := quarantine.NewQueuePublisher(cfg.Endpoints, cfg.Quarantine.Queue)
//	if err != nil {
//		log.Fatal(err)
//	}
//	consumer, err := resq.New(cfg, process, sink)
//	if err != nil {
//		log.Fatal(err)
//	}
//	err = consumer.Run(ctx)
package resq
