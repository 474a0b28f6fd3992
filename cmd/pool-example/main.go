package main

import (
	"context"
	"fmt"
	"os"

	"github.com/contextroute/mcp-server-pool-go/pkg/mcppool"
	"github.com/contextroute/mcp-server-pool-go/pkg/mcprouter"
)

func main() {
	configs := []mcppool.ServerConfig{
		{
			ID:      "files",
			Name:    "File Server",
			Command: "./file-mcp-server",
			Args:    []string{"--root", "/srv/docs"},
			Enabled: true,
		},
		{
			ID:      "search",
			Name:    "Search Server",
			Command: "./search-mcp-server",
			Enabled: true,
		},
	}
	if path := os.Getenv("POOL_CONFIG"); path != "" {
		loaded, err := mcppool.LoadConfig(path)
		if err != nil {
			fmt.Printf("config error: %v\n", err)
			os.Exit(1)
		}
		configs = loaded.Servers
	}

	manager := mcppool.NewManager(configs, &mcppool.ManagerOptions{ClientName: "pool-example"})

	ctx := context.Background()
	if err := manager.Start(ctx); err != nil {
		fmt.Printf("start error: %v\n", err)
	}
	for _, status := range manager.Statuses() {
		fmt.Printf("Server %s: %s\n", status.ServerID, status.State)
	}

	router := mcprouter.NewRouter(manager, nil)
	tools, err := router.ListAllTools(ctx)
	if err != nil {
		fmt.Printf("list tools error: %v\n", err)
	}
	for _, tool := range tools {
		fmt.Printf("Tool: %s\n", tool.Name)
	}
	if len(tools) > 0 {
		result, err := router.CallTool(ctx, tools[0].Name, map[string]any{})
		if err != nil {
			fmt.Printf("call error: %v\n", err)
		} else {
			fmt.Printf("Result: %s\n", result.Content)
		}
	}

	if err := manager.Stop(ctx); err != nil {
		fmt.Printf("stop error: %v\n", err)
	}
}
