// Package model reads and writes model directories.
//
// A model directory holds a JSON graph description in __model__ and the
// values of persistable vars, either combined in a single params file or in
// one file per var named after the var.
package model

import (
	"fmt"
	"strings"

	"k8s.io/examples/AI/modelexec/pkg/graph"
)

const (
	// GraphFile holds the JSON graph description.
	GraphFile = "__model__"

	// CombinedParamsFile holds every persistable var when params are combined.
	CombinedParamsFile = "params"

	formatVersion = 1
)

type document struct {
	Version int           `json:"version"`
	Name    string        `json:"name,omitempty"`
	Inputs  []string      `json:"inputs"`
	Outputs []string      `json:"outputs"`
	Vars    []*graph.Var  `json:"vars"`
	Nodes   []*graph.Node `json:"nodes"`
}

func newDocument(g *graph.Graph) *document {
	return &document{
		Version: formatVersion,
		Name:    g.Name,
		Inputs:  g.Inputs,
		Outputs: g.Outputs,
		Vars:    g.Vars,
		Nodes:   g.Nodes,
	}
}

// ParamFiles lists the parameter files of a model directory.
func ParamFiles(g *graph.Graph, paramsCombined bool) []string {
	if paramsCombined {
		return []string{CombinedParamsFile}
	}
	var files []string
	for _, v := range g.Vars {
		if v.Persistable {
			files = append(files, v.Name)
		}
	}
	return files
}

// checkFileName rejects var names that cannot be used as a file name.
func checkFileName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) || name == GraphFile || name == CombinedParamsFile {
		return fmt.Errorf("var name %q cannot be used as a parameter file name", name)
	}
	return nil
}
