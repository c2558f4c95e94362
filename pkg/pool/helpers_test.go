package pool_test

import amqp "github.com/rabbitmq/amqp091-go"

func amqpPublishing(body string) amqp.Publishing {
	return amqp.Publishing{Body: []byte(body)}
}
