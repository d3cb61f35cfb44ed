// Package kafka delivers EC2 lifecycle notifications from a Kafka topic to
// a handler.
//
// The reader joins a consumer group with manual commits. A message is
// committed after the handler succeeds. Operational failures are retried on
// the same message so no later offset is committed past it. Malformed
// payloads are copied to the dead-letter topic before their offset is
// committed; without a dead-letter topic the consumer stops.
package kafka
