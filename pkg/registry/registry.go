package registry

import (
	"encoding/json"
	"strings"

	"go-micro.dev/v5/registry"
)

// ServiceConfig 节点注册信息
type ServiceConfig struct {
	Name    string // 服务名称
	Version string // 服务版本
	NodeID  string // 节点ID
	Address string // 监听地址
	// Entities 本节点暴露的实体名，写入元数据供其他节点发现
	Entities []string
	// Prefix 路由前缀，如 /api
	Prefix string
}

// BuildService 构建服务注册信息
func BuildService(cfg *ServiceConfig) *registry.Service {
	entities, _ := json.Marshal(cfg.Entities)

	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID = cfg.Name + "-1"
	}
	return &registry.Service{
		Name:    cfg.Name,
		Version: cfg.Version,
		Nodes: []*registry.Node{
			{
				Id:      nodeID,
				Address: cfg.Address,
				Metadata: map[string]string{
					"entities": string(entities),
					"prefix":   cfg.Prefix,
				},
			},
		},
	}
}

// Entities 汇总服务所有节点暴露的实体
func Entities(svc *registry.Service) []string {
	seen := make(map[string]bool)
	var out []string
	for _, node := range svc.Nodes {
		var names []string
		if err := json.Unmarshal([]byte(node.Metadata["entities"]), &names); err != nil {
			continue
		}
		for _, n := range names {
			if !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
	}
	return out
}

// EntityURL 拼接节点上某实体的访问地址
func EntityURL(node *registry.Node, entity string) string {
	addr := node.Address
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return strings.TrimRight(addr, "/") + node.Metadata["prefix"] + "/" + entity
}
