// Package bot generates automated replies for conversations routed to the
// bot. The default RuleResponder does simple keyword matching against a
// configured rule list; anything smarter plugs in behind the Responder
// interface. The router treats responder failures as soft: the customer gets
// an apology message instead of an error.
package bot
