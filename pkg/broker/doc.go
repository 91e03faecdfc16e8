// Package broker pairs delegator nodes with worker nodes and relays job traffic
// between them.
//
// A node connects, identifies itself and receives a short hex id. Nodes advertising the
// worker role with their machine capabilities appear in worker listings. A delegator
// picks a worker and requests a job; the broker links the two and offers the job to the
// worker. Once the worker accepts, file chunks flow from the delegator to the worker and
// build and run output flows back. Either side ends the job with job-complete; a
// disconnect mid-job tells the surviving peer with peer-vanished.
//
// The Broker is transport independent. A transport calls Identify when a connection
// introduces itself, Dispatch for every later frame and Disconnect when the connection
// ends, and supplies a registry.Channel the broker uses to reach the node.
//
// Example usage:
//
//	b := broker.New(cfg.Broker, log)
//	defer b.Close()
//
//	ident, err := b.Identify("", session)
//	if err != nil {
//	    return err
//	}
//	b.Dispatch(ctx, ident.ID, frame, session.Reply)
//	...
//	b.Disconnect(ctx, ident.ID, session)
package broker
