package mcp

import "strings"

const (
	// ToolPrefix marks a tool name as belonging to an MCP server.
	ToolPrefix = "mcp__"
	// ToolSeparator joins the server id and the raw tool name.
	ToolSeparator = "__"
)

// EncodeToolName builds the qualified name mcp__<serverID>__<rawName>.
func EncodeToolName(serverID, rawName string) string {
	return ToolPrefix + serverID + ToolSeparator + rawName
}

// DecodeToolName splits a qualified name back into server id and raw name.
// Names without the prefix are local names and come back unchanged with
// ok=false. Server ids never contain the separator, so the first separator
// after the prefix is the boundary and raw names may contain anything.
func DecodeToolName(name string) (serverID, rawName string, ok bool) {
	rest, found := strings.CutPrefix(name, ToolPrefix)
	if !found {
		return "", name, false
	}
	serverID, rawName, found = strings.Cut(rest, ToolSeparator)
	if !found || serverID == "" || rawName == "" {
		return "", name, false
	}
	return serverID, rawName, true
}

// IsQualifiedToolName reports whether name routes to an MCP server.
func IsQualifiedToolName(name string) bool {
	_, _, ok := DecodeToolName(name)
	return ok
}
