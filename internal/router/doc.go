// Package router is the message path of the gateway. A send is validated,
// resolved to a conversation (lazily created for a customer's first
// message), permission-checked, then persisted and fanned out under the
// conversation's single-writer lock. Because the bot's reply is produced
// synchronously under that same lock, every room member observes the
// customer message and the bot answer in exactly the persisted order.
//
// The router never retries on its own. A send whose acknowledgement is lost
// must be re-issued by the caller; automatic replay could show a duplicate
// message to the room.
package router
