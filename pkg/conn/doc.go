// Package conn binds one network transport to its execution queue. Every
// operation against a connection, including the one that opens it, is built
// from the Connection and submitted through its queue.
package conn
