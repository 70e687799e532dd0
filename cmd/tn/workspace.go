package main

import (
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tasknest/tasknest/internal/store"
)

var workspaceCmd = &cobra.Command{
	Use:   "workspace",
	Short: "Manage the context/project/section hierarchy",
}

var workspaceTreeCmd = &cobra.Command{
	Use:   "tree",
	Short: "Print the full hierarchy in order",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, db, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer db.Close()

		ctx := cmd.Context()
		q := db.RawDB()

		contexts, err := q.QueryContext(ctx,
			`SELECT id, name FROM contexts WHERE owner_id = ? AND idx >= 0 ORDER BY idx`,
			store.DefaultUser)
		if err != nil {
			return fmt.Errorf("failed to query contexts: %w", err)
		}
		defer contexts.Close()

		type node struct{ id, name string }
		var ctxNodes []node
		for contexts.Next() {
			var n node
			if err := contexts.Scan(&n.id, &n.name); err != nil {
				return fmt.Errorf("failed to scan context: %w", err)
			}
			ctxNodes = append(ctxNodes, n)
		}
		if err := contexts.Err(); err != nil {
			return err
		}

		children := func(table, owner string) ([]node, error) {
			rows, err := q.QueryContext(ctx,
				`SELECT id, name FROM `+table+` WHERE owner_id = ? AND idx >= 0 ORDER BY idx`, owner)
			if err != nil {
				return nil, fmt.Errorf("failed to query %s: %w", table, err)
			}
			defer rows.Close()
			var out []node
			for rows.Next() {
				var n node
				if err := rows.Scan(&n.id, &n.name); err != nil {
					return nil, err
				}
				out = append(out, n)
			}
			return out, rows.Err()
		}

		for _, c := range ctxNodes {
			fmt.Printf("%s  %s\n", shortID(c.id), c.name)
			projects, err := children("projects", c.id)
			if err != nil {
				return err
			}
			for _, p := range projects {
				fmt.Printf("  %s  %s\n", shortID(p.id), p.name)
				sections, err := children("sections", p.id)
				if err != nil {
					return err
				}
				for _, s := range sections {
					fmt.Printf("    %s  %s\n", shortID(s.id), s.name)
				}
			}
		}
		return nil
	},
}

var workspaceAddCmd = &cobra.Command{
	Use:   "add <kind> <name>",
	Short: "Create a context, project, or section",
	Long: `Create a hierarchy node. Kind is one of context, project, or section;
projects need --in <context-id> and sections need --in <project-id>.

Every new node is appended at the end of its owner's order. Contexts and
projects come with a hidden owner-of-self child, so items can be placed
directly on a project without naming a section.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, name := args[0], args[1]

		_, db, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer db.Close()

		return db.WithTx(cmd.Context(), func(tx *sql.Tx) error {
			var id string
			var err error
			switch kind {
			case "context":
				id, err = store.CreateContext(cmd.Context(), tx, name)
			case "project":
				if workspaceIn == "" {
					return fmt.Errorf("projects need --in <context-id>")
				}
				id, err = store.CreateProject(cmd.Context(), tx, workspaceIn, name)
			case "section":
				if workspaceIn == "" {
					return fmt.Errorf("sections need --in <project-id>")
				}
				id, err = store.CreateSection(cmd.Context(), tx, workspaceIn, name)
			default:
				return fmt.Errorf("unknown kind %q (want context, project, or section)", kind)
			}
			if err != nil {
				return err
			}
			fmt.Printf("Created %s %s\n", kind, id)
			return nil
		})
	},
}

var workspaceSectionCmd = &cobra.Command{
	Use:   "section <project-id>",
	Short: "Print a project's owner-of-self section id",
	Long: `Print the id of a project's hidden owner-of-self section, for use with
'tn add --section' and 'tn move --section' when placing items directly
on a project.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, db, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer db.Close()

		id, err := store.AnonymousSection(cmd.Context(), db.RawDB(), args[0])
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	},
}

var workspaceIn string

func init() {
	workspaceAddCmd.Flags().StringVar(&workspaceIn, "in", "", "owner id (context for projects, project for sections)")
	workspaceCmd.AddCommand(workspaceAddCmd)
	workspaceCmd.AddCommand(workspaceTreeCmd)
	workspaceCmd.AddCommand(workspaceSectionCmd)
}
