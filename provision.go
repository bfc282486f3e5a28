package msgbus

// EndpointPermission is the access level granted to other clients on a
// provisioned endpoint.
type EndpointPermission byte

const (
	// PermissionNone hides the endpoint from other clients.
	PermissionNone EndpointPermission = iota

	// PermissionReadOnly allows browsing only.
	PermissionReadOnly

	// PermissionConsume allows binding and consuming.
	PermissionConsume

	// PermissionModifyTopic additionally allows changing the attracted
	// topic.
	PermissionModifyTopic

	// PermissionDelete additionally allows deprovisioning.
	PermissionDelete
)

// String returns the permission name.
func (p EndpointPermission) String() string {
	switch p {
	case PermissionNone:
		return "none"
	case PermissionReadOnly:
		return "read-only"
	case PermissionConsume:
		return "consume"
	case PermissionModifyTopic:
		return "modify-topic"
	case PermissionDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// EndpointAccess selects how many flows may consume from an endpoint at
// once.
type EndpointAccess byte

const (
	// AccessExclusive delivers to one flow; additional flows bind as
	// standbys and are promoted in bind order.
	AccessExclusive EndpointAccess = iota

	// AccessNonExclusive load-balances delivery across bound flows.
	AccessNonExclusive
)

// String returns the access type name.
func (a EndpointAccess) String() string {
	if a == AccessNonExclusive {
		return "non-exclusive"
	}
	return "exclusive"
}

// EndpointProperties configures a provisioned endpoint.
type EndpointProperties struct {
	// Quota bounds the number of spooled messages; zero uses the broker
	// default. Publishes beyond the quota are rejected.
	Quota uint32

	// Permission is the access level for clients other than the owner.
	Permission EndpointPermission

	// RespectsTTL enables expiry of spooled messages carrying a TTL.
	RespectsTTL bool

	// AccessType selects exclusive or non-exclusive consumption.
	AccessType EndpointAccess
}

// Provision creates a durable endpoint on the broker and blocks until the
// broker confirms. With ignoreExists, provisioning an endpoint that
// already exists succeeds without modifying it.
func (s *Session) Provision(endpoint EndpointSpec, props EndpointProperties, ignoreExists bool) error {
	return s.provision(&ProvisionFrame{
		Endpoint:     endpoint.Name,
		Kind:         byte(endpoint.Kind),
		IgnoreExists: ignoreExists,
		Quota:        props.Quota,
		Permission:   byte(props.Permission),
		RespectsTTL:  props.RespectsTTL,
		AccessType:   byte(props.AccessType),
		Topic:        endpoint.Topic,
	})
}

// Deprovision destroys a durable endpoint and everything spooled on it.
// With ignoreMissing, deprovisioning an unknown endpoint succeeds.
func (s *Session) Deprovision(endpoint EndpointSpec, ignoreMissing bool) error {
	return s.provision(&ProvisionFrame{
		Endpoint:     endpoint.Name,
		Kind:         byte(endpoint.Kind),
		Deprovision:  true,
		IgnoreExists: ignoreMissing,
	})
}

func (s *Session) provision(frame *ProvisionFrame) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	if !s.IsConnected() {
		return ErrNotConnected
	}
	if frame.Endpoint == "" {
		return &BindError{SubCode: SubCodeUnknownEndpoint, Reason: "endpoint name required"}
	}

	id := s.nextRequestID.Add(1)
	frame.RequestID = id

	reply := s.registerReply(id)
	if err := s.writeFrame(frame); err != nil {
		s.discardReply(id)
		return err
	}

	op := "provision"
	if frame.Deprovision {
		op = "deprovision"
	}

	f, err := s.awaitReply(id, reply, op)
	if err != nil {
		return err
	}
	ack, ok := f.(*ProvisionAckFrame)
	if !ok {
		return &ProtocolError{Detail: "unexpected reply to " + op + ": " + f.Type().String()}
	}
	if ack.Code != replyOK {
		return provisionError(frame.Endpoint, ack)
	}
	return nil
}

func provisionError(endpoint string, ack *ProvisionAckFrame) error {
	sub := SubCodeProtocol
	switch ack.Code {
	case replyEndpointExists:
		sub = SubCodeEndpointExists
	case replyUnknownEndpoint:
		sub = SubCodeUnknownEndpoint
	case replyPermissionDenied:
		sub = SubCodePermissionDenied
	}
	return &BindError{SubCode: sub, Endpoint: endpoint, Reason: ack.Reason}
}
