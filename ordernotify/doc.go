// Package ordernotify sends checked-out carts to the order service.
//
// On CheckedOut the Handler asks the cart entity for its current items and places the order.
// Transient failures are retried a bounded number of times. After that, and for rejected orders,
// the request is parked in a local bbolt file so the projection can move on. Redrive sends
// parked orders again later, except rejected ones, which stay parked for an operator.
package ordernotify
