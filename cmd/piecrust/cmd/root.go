// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	piecrust "github.com/Saeed76a/piecrust"
	"github.com/Saeed76a/piecrust/store"
)

var RootCmd = &cobra.Command{
	Use:   "piecrust",
	Short: "piecrust - a WASM smart-contract engine over a commit store",
}

var commitsCmd = &cobra.Command{
	Use:   "commits",
	Short: "List the commits in the store",
	RunE: func(cmd *cobra.Command, args []string) error {
		vm, err := openVM(cmd)
		if err != nil {
			return err
		}
		defer vm.Close()

		for _, root := range vm.Commits() {
			fmt.Println(root.Hex())
		}
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <root>",
	Short: "Delete a commit from the store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		root, ok := store.HashFromHex(args[0])
		if !ok {
			return fmt.Errorf("invalid commit root: %s", args[0])
		}

		vm, err := openVM(cmd)
		if err != nil {
			return err
		}
		defer vm.Close()

		return vm.DeleteCommit(root)
	},
}

var squashCmd = &cobra.Command{
	Use:   "squash <root>",
	Short: "Rewrite a commit's diffed memories as full images",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		root, ok := store.HashFromHex(args[0])
		if !ok {
			return fmt.Errorf("invalid commit root: %s", args[0])
		}

		vm, err := openVM(cmd)
		if err != nil {
			return err
		}
		defer vm.Close()

		return vm.SquashCommit(root)
	},
}

var deployCmd = &cobra.Command{
	Use:   "deploy <wasm-file>",
	Short: "Deploy a module into a fresh commit and print id and root",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		bytecode, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}

		vm, err := openVM(cmd)
		if err != nil {
			return err
		}
		defer vm.Close()

		session := vm.GenesisSession()
		defer session.Close()

		id, err := session.Deploy(bytecode)
		if err != nil {
			return err
		}
		root, err := session.Commit()
		if err != nil {
			return err
		}

		fmt.Println("module:", id.Hex())
		fmt.Println("commit:", root.Hex())
		return nil
	},
}

func openVM(cmd *cobra.Command) (*piecrust.VM, error) {
	rootDir, err := cmd.Flags().GetString("root")
	if err != nil {
		return nil, err
	}
	return piecrust.NewVM(piecrust.NewConfig(rootDir))
}

func init() {
	RootCmd.PersistentFlags().String("root", ".piecrust", "store root directory")
	RootCmd.AddCommand(commitsCmd, deleteCmd, squashCmd, deployCmd)
}
