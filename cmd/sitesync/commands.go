package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/sitesync/internal/config"
	"github.com/kalambet/sitesync/internal/geo"
	"github.com/kalambet/sitesync/internal/offline"
	"github.com/kalambet/sitesync/internal/site"
	"github.com/kalambet/sitesync/internal/siteapi"
)

// --- queue ---

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage actions waiting for the server",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending actions, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		actions, err := fetchPending(cmd.Context(), client)
		if err != nil {
			return err
		}

		if asJSON {
			return printJSON(actions)
		}
		if len(actions) == 0 {
			printSuccess("No pending actions")
			return nil
		}
		fmt.Println(renderActions(actions))
		return nil
	},
}

var queueCountCmd = &cobra.Command{
	Use:   "count",
	Short: "Print the number of pending actions",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/actions/count")
		if err != nil {
			return err
		}
		var result map[string]int
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		fmt.Println(result["count"])
		return nil
	},
}

var queueShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one pending action",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/actions/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var action offline.PendingAction
		if err := decodeJSON(resp, &action); err != nil {
			var ae *apiError
			if errors.As(err, &ae) && ae.Code == 404 {
				return fmt.Errorf("no pending action %q (it may have been synced already)", args[0])
			}
			return err
		}

		if asJSON {
			return printJSON(action)
		}
		printStatus("ID", "%s", action.ID)
		printStatus("Type", "%s", action.Kind())
		printStatus("Summary", "%s", describePayload(action.Payload))
		printStatus("Queued", "%s", formatMillis(action.Timestamp))
		return nil
	},
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Discard all pending actions without sending them",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			return fmt.Errorf("this discards every pending action; re-run with --confirm")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/actions")
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Pending actions cleared")
		return nil
	},
}

var queueDroppedCmd = &cobra.Command{
	Use:   "dropped",
	Short: "List actions removed after the server rejected them",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		forget, _ := cmd.Flags().GetBool("clear")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		if forget {
			resp, err := client.delete(cmd.Context(), "/actions/dropped")
			if err != nil {
				return err
			}
			if err := decodeJSON(resp, nil); err != nil {
				return err
			}
			printSuccess("Dropped actions forgotten")
			return nil
		}

		resp, err := client.get(cmd.Context(), "/actions/dropped")
		if err != nil {
			return err
		}
		var dropped []offline.DroppedAction
		if err := decodeJSON(resp, &dropped); err != nil {
			return err
		}

		if asJSON {
			return printJSON(dropped)
		}
		if len(dropped) == 0 {
			printSuccess("No dropped actions")
			return nil
		}
		fmt.Println(renderDropped(dropped))
		return nil
	},
}

func init() {
	queueListCmd.Flags().Bool("json", false, "print raw JSON")
	queueShowCmd.Flags().Bool("json", false, "print raw JSON")
	queueDroppedCmd.Flags().Bool("json", false, "print raw JSON")
	queueDroppedCmd.Flags().Bool("clear", false, "forget the dropped-action record")
	queueClearCmd.Flags().Bool("confirm", false, "confirm discarding pending actions")
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueCountCmd)
	queueCmd.AddCommand(queueShowCmd)
	queueCmd.AddCommand(queueClearCmd)
	queueCmd.AddCommand(queueDroppedCmd)
}

func fetchPending(ctx context.Context, client *apiClient) ([]offline.PendingAction, error) {
	resp, err := client.get(ctx, "/actions")
	if err != nil {
		return nil, err
	}
	var actions []offline.PendingAction
	if err := decodeJSON(resp, &actions); err != nil {
		return nil, err
	}
	return actions, nil
}

func renderActions(actions []offline.PendingAction) string {
	rows := make([][]string, 0, len(actions))
	for _, a := range actions {
		rows = append(rows, []string{
			a.ID,
			string(a.Kind()),
			describePayload(a.Payload),
			formatMillis(a.Timestamp),
		})
	}
	return renderTable(
		[]string{"ID", "Type", "Summary", "Queued"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight},
	)
}

func renderDropped(dropped []offline.DroppedAction) string {
	rows := make([][]string, 0, len(dropped))
	for _, d := range dropped {
		rows = append(rows, []string{
			d.Action.ID,
			string(d.Action.Kind()),
			describePayload(d.Action.Payload),
			d.Reason,
			formatMillis(d.DroppedAt),
		})
	}
	return renderTable(
		[]string{"ID", "Type", "Summary", "Reason", "Dropped"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight},
	)
}

func describePayload(p offline.Payload) string {
	switch v := p.(type) {
	case offline.TaskPayload:
		return fmt.Sprintf("%q (project %d)", v.Title, v.ProjectID)
	case offline.IssuePayload:
		return fmt.Sprintf("%q [%s] (project %d)", v.Title, v.Severity, v.ProjectID)
	case offline.PostPayload:
		return fmt.Sprintf("%q (object %d)", v.Title, v.Object)
	case offline.MaterialPayload:
		return fmt.Sprintf("%s %g %s (project %d)", v.Name, v.Quantity, v.Unit, v.ProjectID)
	default:
		return "-"
	}
}

func formatMillis(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	return time.UnixMilli(ms).Local().Format(time.DateTime)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// --- sync ---

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Send pending actions to the server now",
	RunE: func(cmd *cobra.Command, args []string) error {
		background, _ := cmd.Flags().GetBool("background")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := "/sync"
		if background {
			path += "?wait=false"
		}
		resp, err := client.post(cmd.Context(), path, nil)
		if err != nil {
			return err
		}

		if background {
			if err := decodeJSON(resp, nil); err != nil {
				return err
			}
			printSuccess("Sync triggered")
			return nil
		}

		var res offline.Result
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		reportSync(res)
		return nil
	},
}

func init() {
	syncCmd.Flags().Bool("background", false, "hand the sync to the daemon and return immediately")
}

func reportSync(res offline.Result) {
	switch {
	case res.Skipped:
		printWarning("A sync is already in progress")
		return
	case res.Offline:
		printWarning("Server unreachable; actions stay queued")
		return
	case res.Attempted == 0 && res.Deferred == 0 && res.Discarded == 0:
		printSuccess("Nothing to sync")
		return
	}
	printSuccess("Synced %d of %d actions", res.Synced, res.Attempted)
	if res.Dropped > 0 {
		printWarning("%d rejected by the server and dropped (see `sitesync queue dropped`)", res.Dropped)
	}
	if res.Retained > 0 {
		printWarning("%d kept for retry", res.Retained)
	}
	if res.Deferred > 0 {
		printWarning("%d posts with attachments left pending", res.Deferred)
	}
	if res.Discarded > 0 {
		printWarning("%d entries of unknown type discarded", res.Discarded)
	}
}

// --- create commands ---

var postCmd = &cobra.Command{
	Use:   "post",
	Short: "Work with object posts",
}

var postCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a post on a construction object",
	Long: `Create a post on a construction object.

Posts with attachments need a reachable server and are never queued.

Examples:
  sitesync post create --object 12 --title "Rebar check" --content "Spacing OK"
  sitesync post create --object 12 --title "Photos" --file ./slab.jpg --file ./wall.jpg`,
	RunE: func(cmd *cobra.Command, args []string) error {
		in := siteapi.PostInput{}
		in.Object, _ = cmd.Flags().GetInt("object")
		in.Author, _ = cmd.Flags().GetInt("author")
		in.Title, _ = cmd.Flags().GetString("title")
		in.Content, _ = cmd.Flags().GetString("content")
		files, _ := cmd.Flags().GetStringArray("file")

		if in.Object <= 0 || in.Title == "" {
			return fmt.Errorf("--object and --title are required")
		}
		coords, err := coordinatesFlag(cmd)
		if err != nil {
			return err
		}
		in.Coordinates = coords

		for _, f := range files {
			abs, err := filepath.Abs(f)
			if err != nil {
				return fmt.Errorf("resolving %s: %w", f, err)
			}
			if _, err := os.Stat(abs); err != nil {
				return fmt.Errorf("attachment %s: %w", f, err)
			}
			in.Files = append(in.Files, siteapi.Attachment{Name: filepath.Base(abs), Path: abs})
		}

		var res site.PostResult
		if err := createRecord(cmd.Context(), "/posts", in, &res); err != nil {
			var ae *apiError
			if errors.As(err, &ae) && ae.Type == "offline_error" {
				return fmt.Errorf("server unreachable and posts with attachments cannot be queued; retry when online")
			}
			return err
		}
		reportCreated("post", res.ID, res.Queued)
		return nil
	},
}

var postListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the posts of a construction object",
	RunE: func(cmd *cobra.Command, args []string) error {
		object, _ := cmd.Flags().GetInt("object")
		asJSON, _ := cmd.Flags().GetBool("json")
		if object <= 0 {
			return fmt.Errorf("--object is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/objects/%d/posts", object))
		if err != nil {
			return err
		}
		var posts []siteapi.Post
		if err := decodeJSON(resp, &posts); err != nil {
			return err
		}

		if asJSON {
			return printJSON(posts)
		}
		if len(posts) == 0 {
			printSuccess("No posts on object %d", object)
			return nil
		}
		rows := make([][]string, 0, len(posts))
		for _, p := range posts {
			rows = append(rows, []string{strconv.Itoa(p.ID), p.Title, strconv.Itoa(len(p.Files)), p.CreatedAt})
		}
		fmt.Println(renderTable(
			[]string{"ID", "Title", "Files", "Created"},
			rows,
			[]columnAlignment{alignRight, alignLeft, alignRight, alignLeft},
		))
		return nil
	},
}

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Work with tasks",
}

var taskCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a task",
	RunE: func(cmd *cobra.Command, args []string) error {
		in := siteapi.TaskInput{}
		in.ProjectID, _ = cmd.Flags().GetInt("project")
		in.Title, _ = cmd.Flags().GetString("title")
		in.Description, _ = cmd.Flags().GetString("description")
		in.AssignedTo, _ = cmd.Flags().GetInt("assigned-to")
		in.Status, _ = cmd.Flags().GetString("status")
		in.Deadline, _ = cmd.Flags().GetString("deadline")

		if in.ProjectID <= 0 || in.Title == "" {
			return fmt.Errorf("--project and --title are required")
		}
		coords, err := coordinatesFlag(cmd)
		if err != nil {
			return err
		}
		in.Coordinates = coords

		var res site.TaskResult
		if err := createRecord(cmd.Context(), "/tasks", in, &res); err != nil {
			return err
		}
		reportCreated("task", res.ID, res.Queued)
		return nil
	},
}

var issueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Work with issues",
}

var issueCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Report an issue",
	RunE: func(cmd *cobra.Command, args []string) error {
		in := siteapi.IssueInput{}
		in.ProjectID, _ = cmd.Flags().GetInt("project")
		in.Title, _ = cmd.Flags().GetString("title")
		in.Description, _ = cmd.Flags().GetString("description")
		in.CreatedBy, _ = cmd.Flags().GetInt("created-by")
		in.Status, _ = cmd.Flags().GetString("status")
		in.Severity, _ = cmd.Flags().GetString("severity")
		in.Deadline, _ = cmd.Flags().GetString("deadline")

		if in.ProjectID <= 0 || in.Title == "" {
			return fmt.Errorf("--project and --title are required")
		}
		coords, err := coordinatesFlag(cmd)
		if err != nil {
			return err
		}
		in.Coordinates = coords

		var res site.IssueResult
		if err := createRecord(cmd.Context(), "/issues", in, &res); err != nil {
			return err
		}
		reportCreated("issue", res.ID, res.Queued)
		return nil
	},
}

var materialCmd = &cobra.Command{
	Use:   "material",
	Short: "Work with delivered materials",
}

var materialCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Record a material delivery",
	RunE: func(cmd *cobra.Command, args []string) error {
		in := siteapi.MaterialInput{}
		in.ProjectID, _ = cmd.Flags().GetInt("project")
		in.Name, _ = cmd.Flags().GetString("name")
		in.Quantity, _ = cmd.Flags().GetFloat64("quantity")
		in.Unit, _ = cmd.Flags().GetString("unit")
		in.QualityDocumentURL, _ = cmd.Flags().GetString("quality-doc")
		in.TTNDocumentURL, _ = cmd.Flags().GetString("ttn-doc")

		if in.ProjectID <= 0 || in.Name == "" {
			return fmt.Errorf("--project and --name are required")
		}
		if in.Quantity <= 0 {
			return fmt.Errorf("--quantity must be positive")
		}

		var res site.MaterialResult
		if err := createRecord(cmd.Context(), "/materials", in, &res); err != nil {
			return err
		}
		reportCreated("material", res.ID, res.Queued)
		return nil
	},
}

func init() {
	postCreateCmd.Flags().Int("object", 0, "construction object id")
	postCreateCmd.Flags().Int("author", 0, "author user id")
	postCreateCmd.Flags().String("title", "", "post title")
	postCreateCmd.Flags().String("content", "", "post text")
	postCreateCmd.Flags().StringArray("file", nil, "attachment path (repeatable)")
	addCoordinateFlags(postCreateCmd)
	postCmd.AddCommand(postCreateCmd)

	postListCmd.Flags().Int("object", 0, "construction object id")
	postListCmd.Flags().Bool("json", false, "print raw JSON")
	postCmd.AddCommand(postListCmd)

	taskCreateCmd.Flags().Int("project", 0, "project id")
	taskCreateCmd.Flags().String("title", "", "task title")
	taskCreateCmd.Flags().String("description", "", "task description")
	taskCreateCmd.Flags().Int("assigned-to", 0, "assignee user id")
	taskCreateCmd.Flags().String("status", "pending", "pending, in_progress, completed or rejected")
	taskCreateCmd.Flags().String("deadline", "", "deadline (YYYY-MM-DD)")
	addCoordinateFlags(taskCreateCmd)
	taskCmd.AddCommand(taskCreateCmd)

	issueCreateCmd.Flags().Int("project", 0, "project id")
	issueCreateCmd.Flags().String("title", "", "issue title")
	issueCreateCmd.Flags().String("description", "", "issue description")
	issueCreateCmd.Flags().Int("created-by", 0, "reporter user id")
	issueCreateCmd.Flags().String("status", "open", "open, in_progress or resolved")
	issueCreateCmd.Flags().String("severity", "medium", "low, medium, high or critical")
	issueCreateCmd.Flags().String("deadline", "", "deadline (YYYY-MM-DD)")
	addCoordinateFlags(issueCreateCmd)
	issueCmd.AddCommand(issueCreateCmd)

	materialCreateCmd.Flags().Int("project", 0, "project id")
	materialCreateCmd.Flags().String("name", "", "material name")
	materialCreateCmd.Flags().Float64("quantity", 0, "delivered quantity")
	materialCreateCmd.Flags().String("unit", "", "unit of measure")
	materialCreateCmd.Flags().String("quality-doc", "", "quality certificate URL")
	materialCreateCmd.Flags().String("ttn-doc", "", "waybill (TTN) URL")
	materialCmd.AddCommand(materialCreateCmd)
}

func addCoordinateFlags(cmd *cobra.Command) {
	cmd.Flags().String("lat", "", "latitude of the record")
	cmd.Flags().String("lng", "", "longitude of the record")
}

// coordinatesFlag reads --lat/--lng. Both or neither must be given.
func coordinatesFlag(cmd *cobra.Command) (*siteapi.Coordinates, error) {
	latStr, _ := cmd.Flags().GetString("lat")
	lngStr, _ := cmd.Flags().GetString("lng")
	if latStr == "" && lngStr == "" {
		return nil, nil
	}
	lat, errLat := strconv.ParseFloat(latStr, 64)
	lng, errLng := strconv.ParseFloat(lngStr, 64)
	if errLat != nil || errLng != nil {
		return nil, fmt.Errorf("--lat and --lng must both be decimal degrees")
	}
	return &siteapi.Coordinates{lat, lng}, nil
}

func createRecord(ctx context.Context, path string, in, out any) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	resp, err := client.post(ctx, path, in)
	if err != nil {
		return err
	}
	return decodeJSON(resp, out)
}

func reportCreated(what string, id int, q site.Queued) {
	if q.Offline {
		printWarning("Server unreachable; %s queued as %s and will sync when back online", what, q.PendingID)
		return
	}
	printSuccess("Created %s %d", what, id)
}

// --- session ---

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in to the site server",
	RunE: func(cmd *cobra.Command, args []string) error {
		email, _ := cmd.Flags().GetString("email")
		password, _ := cmd.Flags().GetString("password")
		if email == "" {
			return fmt.Errorf("--email is required")
		}
		if password == "" {
			password = os.Getenv("SITESYNC_PASSWORD")
		}
		if password == "" {
			fmt.Fprint(os.Stderr, "Password: ")
			line, err := bufio.NewReader(os.Stdin).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("reading password: %w", err)
			}
			password = strings.TrimRight(line, "\r\n")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/login", map[string]string{
			"email":    email,
			"password": password,
		})
		if err != nil {
			return err
		}
		var user siteapi.User
		if err := decodeJSON(resp, &user); err != nil {
			return err
		}
		printSuccess("Signed in as %s", displayUser(user))
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and forget the stored token",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/logout", nil)
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Signed out")
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the signed-in user",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := "/me"
		if refresh, _ := cmd.Flags().GetBool("refresh"); refresh {
			path += "?refresh=true"
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		var user siteapi.User
		if err := decodeJSON(resp, &user); err != nil {
			var ae *apiError
			if errors.As(err, &ae) && ae.Code == 404 {
				printWarning("Not signed in")
				return nil
			}
			return err
		}
		printStatus("User", "%s", displayUser(user))
		if user.Role != "" {
			printStatus("Role", "%s", user.Role)
		}
		if user.Position != "" {
			printStatus("Position", "%s", user.Position)
		}
		return nil
	},
}

func init() {
	loginCmd.Flags().String("email", "", "account email")
	loginCmd.Flags().String("password", "", "account password (prompted when omitted)")
	whoamiCmd.Flags().Bool("refresh", false, "re-read the profile from the server")
}

func displayUser(u siteapi.User) string {
	if u.Username != "" {
		return fmt.Sprintf("%s <%s>", u.Username, u.Email)
	}
	return u.Email
}

// --- projects ---

var projectsCmd = &cobra.Command{
	Use:   "projects",
	Short: "Browse construction objects",
}

var projectsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List construction objects",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/projects")
		if err != nil {
			return err
		}
		var projects []siteapi.Project
		if err := decodeJSON(resp, &projects); err != nil {
			return err
		}

		if asJSON {
			return printJSON(projects)
		}
		if len(projects) == 0 {
			printSuccess("No construction objects")
			return nil
		}
		rows := make([][]string, 0, len(projects))
		for _, p := range projects {
			status := p.Status
			if status == "" {
				status = "-"
			}
			rows = append(rows, []string{strconv.Itoa(p.ID), p.Name, status, strconv.Itoa(len(p.Coordinates))})
		}
		fmt.Println(renderTable(
			[]string{"ID", "Name", "Status", "Vertices"},
			rows,
			[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight},
		))
		return nil
	},
}

func init() {
	projectsListCmd.Flags().Bool("json", false, "print raw JSON")
	projectsCmd.AddCommand(projectsListCmd)
}

// --- geo ---

var geoCmd = &cobra.Command{
	Use:   "geo",
	Short: "Location checks against construction objects",
}

var geoCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Check whether a position is on or near an object",
	RunE: func(cmd *cobra.Command, args []string) error {
		project, _ := cmd.Flags().GetInt("project")
		radius, _ := cmd.Flags().GetFloat64("radius")
		if project <= 0 {
			return fmt.Errorf("--project is required")
		}
		coords, err := coordinatesFlag(cmd)
		if err != nil {
			return err
		}
		if coords == nil {
			return fmt.Errorf("--lat and --lng are required")
		}

		q := url.Values{}
		q.Set("project", strconv.Itoa(project))
		q.Set("lat", strconv.FormatFloat(coords[0], 'f', -1, 64))
		q.Set("lng", strconv.FormatFloat(coords[1], 'f', -1, 64))
		if radius > 0 {
			q.Set("radius", strconv.FormatFloat(radius, 'f', -1, 64))
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/geo/check?"+q.Encode())
		if err != nil {
			return err
		}
		var c geo.Check
		if err := decodeJSON(resp, &c); err != nil {
			return err
		}

		switch {
		case c.Inside:
			printSuccess("Inside object %d", project)
		case c.Near:
			printSuccess("Near object %d", project)
		default:
			printWarning("Away from object %d", project)
		}
		printStatus("Distance to centre", "%.0f m", c.Distance)
		return nil
	},
}

func init() {
	addCoordinateFlags(geoCheckCmd)
	geoCheckCmd.Flags().Int("project", 0, "project id")
	geoCheckCmd.Flags().Float64("radius", geo.DefaultRadius, "proximity radius in metres")
	geoCmd.AddCommand(geoCheckCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			line := fmt.Sprintf("  %s = %s", colorize(colorBold, k.Key), k.Value)
			switch {
			case k.FromEnv:
				line += colorize(colorYellow, "  (from "+k.EnvVar+")")
			case k.Default:
				line += colorize(colorCyan, "  (default)")
			}
			fmt.Println(line)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		printStep("Restart the daemon to apply")
		return nil
	},
}

func init() {
	configSetCmd.Long = "Set a configuration value in the user config file.\n\nValid keys: " +
		strings.Join(config.ValidKeys(), ", ")
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
