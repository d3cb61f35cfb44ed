// Package sqs delivers EC2 lifecycle notifications from per-region SQS
// queues to a handler.
//
// A message is deleted only after the handler returns nil. Anything else,
// including a malformed payload, leaves the message on the queue for
// redelivery or dead-lettering by the queue's redrive policy.
package sqs
