package registry

// Instance is one published destination for a service. DestHash is the
// base58-rendered destination address on the mesh; Namespace and Aspect
// reproduce the full destination name so a client can verify what it
// resolved.
type Instance struct {
	DestHash  string
	Namespace string
	Aspect    string
	Weight    int // weight for load balancing
	Version   string
}

// Registry is the destination directory. It complements announce-based
// discovery: announces reach only peers currently listening on the mesh,
// the directory answers cold lookups by service name.
type Registry interface {
	Register(serviceName string, instance Instance, ttl int64) error
	Deregister(serviceName string, destHash string) error
	Discover(serviceName string) ([]Instance, error)
	Watch(serviceName string) <-chan []Instance
}
