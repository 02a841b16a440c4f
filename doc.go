/*
Clustermq is an embeddable messaging toolkit. It offers four communication patterns over
interchangeable transports (in-process, TCP and, built with the "zmq" tag, ZeroMQ):

	Publisher  -> Subscriber            (package pubsub)
	Requester <-> Responder             (package reqrep)
	Writer -> ServiceQueue -> Reader    (package servicequeue)

Every connection starts with a greeting handshake in which both sides declare their role
(package protocol). Afterwards, messages travel as length-prefixed frames:

	uint16 LE type id | int32 LE length | payload

Payloads are produced by a serialization.Registry, which maps a type id to encode/decode
functions; it is constructed once at startup and handed to every component.

Outbound traffic is queued per connection and drained by one background loop per component
(outbound.Processor). Service queues hand each message to exactly one of the connected readers
(outbound.Distributor). Responders execute handlers on an elastic pool of goroutines
(worker.Scheduler).

This package contains the error kinds shared by all subpackages.
*/
package clustermq
