package cmd

import (
	"fmt"
	"io"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"yqhp/ot2-agent/internal/config"
	"yqhp/ot2-agent/internal/registry"
)

var definitionsFormat string

// definitionsCmd 打印已注册接口的定义
var definitionsCmd = &cobra.Command{
	Use:   "definitions",
	Short: "打印已注册的接口定义",
	Long:  `打印 Agent 向编排器声明的全部接口定义以及注册表摘要。`,
	Example: `  ot2-agent definitions
  ot2-agent definitions --format json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, _, err := buildRegistry(config.DefaultConfig())
		if err != nil {
			return err
		}
		return writeDefinitions(cmd.OutOrStdout(), reg, definitionsFormat)
	},
}

func init() {
	rootCmd.AddCommand(definitionsCmd)
	definitionsCmd.Flags().StringVar(&definitionsFormat, "format", "yaml", "输出格式 (yaml, json)")
}

// definitionsDocument 是 definitions 命令的输出
type definitionsDocument struct {
	RegistryHash string                `json:"registry_hash" yaml:"registry_hash"`
	Interfaces   []registry.Definition `json:"interfaces" yaml:"interfaces"`
}

func writeDefinitions(w io.Writer, reg *registry.Registry, format string) error {
	doc := definitionsDocument{RegistryHash: reg.Hash()}
	for _, entry := range reg.Entries() {
		doc.Interfaces = append(doc.Interfaces, entry.Definition)
	}

	var (
		data []byte
		err  error
	)
	switch format {
	case "yaml", "yml":
		data, err = yaml.Marshal(doc)
	case "json":
		data, err = sonic.ConfigStd.MarshalIndent(doc, "", "  ")
		if err == nil {
			data = append(data, '\n')
		}
	default:
		return fmt.Errorf("不支持的输出格式: %s", format)
	}
	if err != nil {
		return fmt.Errorf("编码定义失败: %w", err)
	}
	_, err = w.Write(data)
	return err
}
