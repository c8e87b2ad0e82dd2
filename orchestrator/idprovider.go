package orchestrator

import (
	"github.com/google/uuid"
)

// UUIDNodeIDProvider hands out random v4 uuids, which are unique across orchestrator restarts
type UUIDNodeIDProvider struct{}

func NewNodeIDProvider() NodeIDProvider {
	return &UUIDNodeIDProvider{}
}

func (p *UUIDNodeIDProvider) GenerateID() string {
	return "node-" + uuid.NewString()
}
