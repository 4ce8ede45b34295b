// Package fulfillment implements an order-fulfillment saga on top of a
// transactional outbox.
//
// A fulfillment run is a sequence of local transactions: the order is
// created, payment is taken, inventory is reserved. Each step commits its
// aggregate change together with the outbox event announcing it, and a relay
// delivers those events to the next step asynchronously with at-least-once
// semantics. When a step fails, the completed steps are compensated in
// reverse order and the order ends in a terminal failure state.
//
// Overview
//
//  1. Create a Coordinator over a Store: CreateOrder validates the request
//     and commits the order plus its ORDER_CREATED event in one atomic unit.
//  2. Wire the saga: OrderSaga.Register binds the payment and inventory steps
//     to the event types they consume. Handlers are idempotent under
//     redelivery.
//  3. Run a Relay over the outbox: the relay polls for unprocessed events on
//     a fixed interval and hands them to a bounded worker pool, partitioned
//     by aggregate so events for one order are always delivered in append
//     order.
//  4. Protect volatile steps with a Breaker: while open, step calls fail fast
//     with ErrCircuitOpen and are routed to the Compensator rather than
//     retried.
//
// MemoryStore is suitable for tests and single-process use; the postgres
// package provides durable storage with the same semantics.
package fulfillment
